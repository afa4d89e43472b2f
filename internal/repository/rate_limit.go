package repository

import (
	"database/sql"
	"time"

	"usagecollector/internal/database"
	"usagecollector/internal/model"

	"github.com/google/uuid"
)

type RateLimitRepositoryInterface interface {
	CreateConfig(c *model.RateLimitConfig) error
	UpdateConfig(c *model.RateLimitConfig) error
	DeleteConfig(id string) error
	GetConfig(id string) (*model.RateLimitConfig, error)
	ListConfigs() ([]*model.RateLimitConfig, error)
	SetAnchor(id string, anchor time.Time) error
	UpsertStatus(s *model.RateLimitStatus) error
	GetStatus(configID string) (*model.RateLimitStatus, error)
	ListStatuses() (map[string]*model.RateLimitStatus, error)
}

var _ RateLimitRepositoryInterface = (*RateLimitRepository)(nil)

type RateLimitRepository struct{}

func NewRateLimitRepository() *RateLimitRepository {
	return &RateLimitRepository{}
}

func (r *RateLimitRepository) CreateConfig(c *model.RateLimitConfig) error {
	db := database.GetDB()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	var anchor any
	if c.ResetAnchor != nil {
		anchor = fmtTime(*c.ResetAnchor)
	}
	_, err := db.Exec(`INSERT INTO rate_limit_configs (id, model_pattern, window_minutes, reset_strategy, token_limit, request_limit, reset_anchor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ModelPattern, c.WindowMinutes, c.ResetStrategy, c.TokenLimit, c.RequestLimit, anchor, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (r *RateLimitRepository) UpdateConfig(c *model.RateLimitConfig) error {
	db := database.GetDB()
	c.UpdatedAt = time.Now().UTC()
	res, err := db.Exec(`UPDATE rate_limit_configs SET model_pattern = ?, window_minutes = ?, reset_strategy = ?, token_limit = ?, request_limit = ?, updated_at = ?
		WHERE id = ?`,
		c.ModelPattern, c.WindowMinutes, c.ResetStrategy, c.TokenLimit, c.RequestLimit, fmtTime(c.UpdatedAt), c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

func (r *RateLimitRepository) DeleteConfig(id string) error {
	db := database.GetDB()
	res, err := db.Exec(`DELETE FROM rate_limit_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

const configColumns = `id, model_pattern, window_minutes, reset_strategy, token_limit, request_limit, COALESCE(reset_anchor, ''), COALESCE(created_at, ''), COALESCE(updated_at, '')`

func scanConfig(row interface{ Scan(...any) error }) (*model.RateLimitConfig, error) {
	var c model.RateLimitConfig
	var anchor, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.ModelPattern, &c.WindowMinutes, &c.ResetStrategy, &c.TokenLimit, &c.RequestLimit, &anchor, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if anchor != "" {
		t := parseTime(anchor)
		c.ResetAnchor = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (r *RateLimitRepository) GetConfig(id string) (*model.RateLimitConfig, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT `+configColumns+` FROM rate_limit_configs WHERE id = ?`, id)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *RateLimitRepository) ListConfigs() ([]*model.RateLimitConfig, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT ` + configColumns + ` FROM rate_limit_configs ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RateLimitConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *RateLimitRepository) SetAnchor(id string, anchor time.Time) error {
	db := database.GetDB()
	res, err := db.Exec(`UPDATE rate_limit_configs SET reset_anchor = ?, updated_at = ? WHERE id = ?`,
		fmtTime(anchor), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// UpsertStatus 状态行整行替换
func (r *RateLimitRepository) UpsertStatus(s *model.RateLimitStatus) error {
	db := database.GetDB()
	_, err := db.Exec(`
		INSERT INTO rate_limit_status (config_id, used_tokens, used_requests, remaining_tokens, remaining_requests, percentage, status_label, window_start, next_reset, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
			used_tokens = excluded.used_tokens,
			used_requests = excluded.used_requests,
			remaining_tokens = excluded.remaining_tokens,
			remaining_requests = excluded.remaining_requests,
			percentage = excluded.percentage,
			status_label = excluded.status_label,
			window_start = excluded.window_start,
			next_reset = excluded.next_reset,
			last_updated = excluded.last_updated
	`, s.ConfigID, s.UsedTokens, s.UsedRequests, s.RemainingTokens, s.RemainingRequests, s.Percentage, s.StatusLabel,
		fmtTime(s.WindowStart), fmtTime(s.NextReset), fmtTime(s.LastUpdated))
	return err
}

const statusColumns = `config_id, used_tokens, used_requests, remaining_tokens, remaining_requests, percentage, status_label, COALESCE(window_start, ''), COALESCE(next_reset, ''), COALESCE(last_updated, '')`

func scanStatus(row interface{ Scan(...any) error }) (*model.RateLimitStatus, error) {
	var s model.RateLimitStatus
	var windowStart, nextReset, lastUpdated string
	err := row.Scan(&s.ConfigID, &s.UsedTokens, &s.UsedRequests, &s.RemainingTokens, &s.RemainingRequests, &s.Percentage, &s.StatusLabel, &windowStart, &nextReset, &lastUpdated)
	if err != nil {
		return nil, err
	}
	s.WindowStart = parseTime(windowStart)
	s.NextReset = parseTime(nextReset)
	s.LastUpdated = parseTime(lastUpdated)
	return &s, nil
}

func (r *RateLimitRepository) GetStatus(configID string) (*model.RateLimitStatus, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT `+statusColumns+` FROM rate_limit_status WHERE config_id = ?`, configID)
	s, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *RateLimitRepository) ListStatuses() (map[string]*model.RateLimitStatus, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT ` + statusColumns + ` FROM rate_limit_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*model.RateLimitStatus)
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out[s.ConfigID] = s
	}
	return out, rows.Err()
}

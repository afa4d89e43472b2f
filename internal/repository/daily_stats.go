package repository

import (
	"database/sql"
	"time"

	"usagecollector/internal/database"
	"usagecollector/internal/model"
)

type DailyStatsRepositoryInterface interface {
	GetByDate(date string) (*model.DailyStats, error)
	Range(from, to string) ([]model.DailyStats, error)
	Upsert(d *model.DailyStats) error
}

var _ DailyStatsRepositoryInterface = (*DailyStatsRepository)(nil)

type DailyStatsRepository struct{}

func NewDailyStatsRepository() *DailyStatsRepository {
	return &DailyStatsRepository{}
}

func scanDaily(row interface{ Scan(...any) error }) (*model.DailyStats, error) {
	var d model.DailyStats
	var breakdownJSON, updatedAt string
	err := row.Scan(&d.Date, &d.TotalRequests, &d.SuccessCount, &d.FailureCount, &d.TotalTokens, &d.TotalCostUSD, &breakdownJSON, &updatedAt)
	if err != nil {
		return nil, err
	}
	b, err := model.ParseBreakdown(breakdownJSON)
	if err != nil {
		return nil, err
	}
	d.Breakdown = b
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

const dailyColumns = `date, total_requests, success_count, failure_count, total_tokens, total_cost_usd, breakdown_json, COALESCE(updated_at, '')`

func (r *DailyStatsRepository) GetByDate(date string) (*model.DailyStats, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT `+dailyColumns+` FROM daily_stats WHERE date = ?`, date)
	d, err := scanDaily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (r *DailyStatsRepository) Range(from, to string) ([]model.DailyStats, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT `+dailyColumns+` FROM daily_stats WHERE date >= ? AND date <= ? ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyStats
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DailyStatsRepository) Upsert(d *model.DailyStats) error {
	db := database.GetDB()
	return dailyUpsert(db, d)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func dailyUpsert(e execer, d *model.DailyStats) error {
	breakdownJSON, err := d.Breakdown.Marshal()
	if err != nil {
		return err
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err = e.Exec(`
		INSERT INTO daily_stats (date, total_requests, success_count, failure_count, total_tokens, total_cost_usd, breakdown_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_requests = excluded.total_requests,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			total_tokens = excluded.total_tokens,
			total_cost_usd = excluded.total_cost_usd,
			breakdown_json = excluded.breakdown_json,
			updated_at = excluded.updated_at
	`, d.Date, d.TotalRequests, d.SuccessCount, d.FailureCount, d.TotalTokens, d.TotalCostUSD, breakdownJSON, fmtTime(d.UpdatedAt))
	return err
}

func dailyUpsertTx(tx *sql.Tx, d *model.DailyStats) error {
	return dailyUpsert(tx, d)
}

func dailyByDateTx(tx *sql.Tx, date string) (*model.DailyStats, error) {
	row := tx.QueryRow(`SELECT `+dailyColumns+` FROM daily_stats WHERE date = ?`, date)
	d, err := scanDaily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

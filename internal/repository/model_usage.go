package repository

import (
	"database/sql"
	"fmt"
	"time"

	"usagecollector/internal/database"
	"usagecollector/internal/model"
)

type ModelUsageRepositoryInterface interface {
	QueryRange(pattern string, lo, hi *time.Time, desc bool, limit int) ([]model.ModelUsage, error)
	LatestMatch(pattern string) (int64, time.Time, bool, error)
	LatestBefore(pattern string, t time.Time) (int64, time.Time, bool, error)
	EarliestAtOrAfter(pattern string, t time.Time) (int64, time.Time, bool, error)
	TotalsBySnapshot(pattern string, snapshotID int64) (map[string]model.ModelTotals, error)
}

var _ ModelUsageRepositoryInterface = (*ModelUsageRepository)(nil)

type ModelUsageRepository struct{}

func NewModelUsageRepository() *ModelUsageRepository {
	return &ModelUsageRepository{}
}

// QueryRange 按模型子串 + 时间范围查询，支持排序方向与 LIMIT
// pattern 为空串时匹配全部（LIKE '%%'）
func (r *ModelUsageRepository) QueryRange(pattern string, lo, hi *time.Time, desc bool, limit int) ([]model.ModelUsage, error) {
	db := database.GetDB()

	query := `SELECT id, snapshot_id, api_endpoint, model_name, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage WHERE model_name LIKE '%' || ? || '%' COLLATE NOCASE`
	args := []any{pattern}

	if lo != nil {
		query += ` AND captured_at >= ?`
		args = append(args, fmtTime(*lo))
	}
	if hi != nil {
		query += ` AND captured_at < ?`
		args = append(args, fmtTime(*hi))
	}
	if desc {
		query += ` ORDER BY captured_at DESC, id DESC`
	} else {
		query += ` ORDER BY captured_at ASC, id ASC`
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsageRows(rows)
}

// LatestMatch 匹配模式的最近一行所属快照与时间
func (r *ModelUsageRepository) LatestMatch(pattern string) (int64, time.Time, bool, error) {
	return r.edgeRow(pattern, ``, `ORDER BY captured_at DESC LIMIT 1`)
}

// LatestBefore 严格早于 t 的最近一行（窗口基线）
func (r *ModelUsageRepository) LatestBefore(pattern string, t time.Time) (int64, time.Time, bool, error) {
	return r.edgeRow(pattern, `AND captured_at < ?`, `ORDER BY captured_at DESC LIMIT 1`, fmtTime(t))
}

// EarliestAtOrAfter 不早于 t 的最早一行（窗口内首个观测）
func (r *ModelUsageRepository) EarliestAtOrAfter(pattern string, t time.Time) (int64, time.Time, bool, error) {
	return r.edgeRow(pattern, `AND captured_at >= ?`, `ORDER BY captured_at ASC LIMIT 1`, fmtTime(t))
}

func (r *ModelUsageRepository) edgeRow(pattern, extra, order string, extraArgs ...any) (int64, time.Time, bool, error) {
	db := database.GetDB()
	query := `SELECT snapshot_id, captured_at FROM model_usage WHERE model_name LIKE '%' || ? || '%' COLLATE NOCASE ` + extra + ` ` + order
	args := append([]any{pattern}, extraArgs...)
	var snapID int64
	var capturedAt string
	err := db.QueryRow(query, args...).Scan(&snapID, &capturedAt)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return snapID, parseTime(capturedAt), true, nil
}

// TotalsBySnapshot 某一快照内匹配模式的行，按模型聚合 token/请求数
func (r *ModelUsageRepository) TotalsBySnapshot(pattern string, snapshotID int64) (map[string]model.ModelTotals, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT model_name, COALESCE(SUM(total_tokens), 0), COALESCE(SUM(request_count), 0)
		FROM model_usage
		WHERE snapshot_id = ? AND model_name LIKE '%' || ? || '%' COLLATE NOCASE
		GROUP BY model_name`, snapshotID, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.ModelTotals)
	for rows.Next() {
		var name string
		var t model.ModelTotals
		if err := rows.Scan(&name, &t.Tokens, &t.Requests); err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, rows.Err()
}

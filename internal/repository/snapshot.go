package repository

import (
	"database/sql"
	"time"

	"usagecollector/internal/database"
	"usagecollector/internal/model"
)

type SnapshotRepositoryInterface interface {
	Latest() (*model.Snapshot, error)
	Previous() (*model.Snapshot, error)
	UsageBySnapshot(snapshotID int64) ([]model.ModelUsage, error)
	ListBetween(lo, hi time.Time) ([]model.Snapshot, error)
	LatestBefore(t time.Time) (*model.Snapshot, error)
	CommitPass(snap *model.Snapshot, rows []model.ModelUsage, date string, merge func(existing *model.DailyStats) (*model.DailyStats, error)) error
}

var _ SnapshotRepositoryInterface = (*SnapshotRepository)(nil)

type SnapshotRepository struct{}

func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{}
}

const snapshotColumns = `id, captured_at, raw_json, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd`

func scanSnapshot(row interface{ Scan(...any) error }) (*model.Snapshot, error) {
	var s model.Snapshot
	var capturedAt string
	err := row.Scan(&s.ID, &capturedAt, &s.RawJSON, &s.TotalRequests, &s.SuccessCount, &s.FailureCount, &s.TotalTokens, &s.CumulativeCostUSD)
	if err != nil {
		return nil, err
	}
	s.CapturedAt = parseTime(capturedAt)
	return &s, nil
}

// Latest 最新快照；没有时返回 nil, nil
func (r *SnapshotRepository) Latest() (*model.Snapshot, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// Previous 次新快照（当前快照写入后的"上一张"）
func (r *SnapshotRepository) Previous() (*model.Snapshot, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id DESC LIMIT 1 OFFSET 1`)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SnapshotRepository) LatestBefore(t time.Time) (*model.Snapshot, error) {
	db := database.GetDB()
	row := db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE captured_at < ? ORDER BY captured_at DESC LIMIT 1`, fmtTime(t))
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SnapshotRepository) ListBetween(lo, hi time.Time) ([]model.Snapshot, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT `+snapshotColumns+` FROM snapshots WHERE captured_at >= ? AND captured_at < ? ORDER BY captured_at ASC`, fmtTime(lo), fmtTime(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SnapshotRepository) UsageBySnapshot(snapshotID int64) ([]model.ModelUsage, error) {
	db := database.GetDB()
	rows, err := db.Query(`SELECT id, snapshot_id, api_endpoint, model_name, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsageRows(rows)
}

// CommitPass 一个事务内完成整轮写入：快照 + 模型行 + 日聚合 read-modify-write。
// merge 回调拿到当日现有行（可能为 nil），返回合并后的行；回调报错整轮回滚。
func (r *SnapshotRepository) CommitPass(snap *model.Snapshot, rows []model.ModelUsage, date string, merge func(existing *model.DailyStats) (*model.DailyStats, error)) error {
	db := database.GetDB()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO snapshots (captured_at, raw_json, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(snap.CapturedAt), snap.RawJSON, snap.TotalRequests, snap.SuccessCount, snap.FailureCount, snap.TotalTokens, snap.CumulativeCostUSD)
	if err != nil {
		return err
	}
	snap.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO model_usage (snapshot_id, api_endpoint, model_name, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range rows {
		rows[i].SnapshotID = snap.ID
		rows[i].CapturedAt = snap.CapturedAt
		if _, err := stmt.Exec(snap.ID, rows[i].APIEndpoint, rows[i].ModelName, rows[i].RequestCount,
			rows[i].InputTokens, rows[i].OutputTokens, rows[i].TotalTokens, rows[i].EstimatedCostUSD, fmtTime(snap.CapturedAt)); err != nil {
			return err
		}
	}

	existing, err := dailyByDateTx(tx, date)
	if err != nil {
		return err
	}
	merged, err := merge(existing)
	if err != nil {
		return err
	}
	if merged != nil {
		if err := dailyUpsertTx(tx, merged); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func collectUsageRows(rows *sql.Rows) ([]model.ModelUsage, error) {
	var out []model.ModelUsage
	for rows.Next() {
		var u model.ModelUsage
		var capturedAt string
		if err := rows.Scan(&u.ID, &u.SnapshotID, &u.APIEndpoint, &u.ModelName, &u.RequestCount,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.EstimatedCostUSD, &capturedAt); err != nil {
			return nil, err
		}
		u.CapturedAt = parseTime(capturedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

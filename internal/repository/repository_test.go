package repository

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"usagecollector/internal/database"
	"usagecollector/internal/model"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "collector-repo-test-*")
	if err != nil {
		panic(err)
	}
	if err := database.InitTest(filepath.Join(dir, "test.db")); err != nil {
		panic(err)
	}
	code := m.Run()
	_ = database.Close()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func commitSnapshot(t *testing.T, at time.Time, rows []model.ModelUsage, totalReq, totalTok int64) *model.Snapshot {
	t.Helper()
	repo := NewSnapshotRepository()
	snap := &model.Snapshot{
		CapturedAt:    at,
		RawJSON:       "{}",
		TotalRequests: totalReq,
		SuccessCount:  totalReq,
		TotalTokens:   totalTok,
	}
	err := repo.CommitPass(snap, rows, at.Format("2006-01-02"), func(existing *model.DailyStats) (*model.DailyStats, error) {
		return nil, nil // 本测试不关心日聚合
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return snap
}

func TestCommitPassAndForeignKeyCascade(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	snap := commitSnapshot(t, at, []model.ModelUsage{
		{APIEndpoint: "chat", ModelName: "alpha-large", RequestCount: 3, TotalTokens: 300, InputTokens: 200, OutputTokens: 100, EstimatedCostUSD: 0.01},
		{APIEndpoint: "embed", ModelName: "alpha-small", RequestCount: 2, TotalTokens: 100, EstimatedCostUSD: 0.001},
	}, 5, 400)

	repo := NewSnapshotRepository()
	latest, err := repo.Latest()
	if err != nil || latest == nil || latest.ID != snap.ID {
		t.Fatalf("latest = %+v, err = %v", latest, err)
	}
	if !latest.CapturedAt.Equal(at) {
		t.Fatalf("captured_at roundtrip: %v != %v", latest.CapturedAt, at)
	}

	rows, err := repo.UsageBySnapshot(snap.ID)
	if err != nil || len(rows) != 2 {
		t.Fatalf("usage rows = %d, err = %v", len(rows), err)
	}

	// 外键级联：删快照连带删模型行
	if _, err := database.GetDB().Exec(`DELETE FROM snapshots WHERE id = ?`, snap.ID); err != nil {
		t.Fatal(err)
	}
	rows, err = repo.UsageBySnapshot(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("cascade delete left %d rows", len(rows))
	}
}

func TestCommitPassRollsBackOnMergeError(t *testing.T) {
	repo := NewSnapshotRepository()
	before, err := repo.Latest()
	if err != nil {
		t.Fatal(err)
	}

	snap := &model.Snapshot{CapturedAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC), TotalRequests: 9}
	err = repo.CommitPass(snap, []model.ModelUsage{{ModelName: "beta-model", RequestCount: 9}}, "2026-08-01",
		func(existing *model.DailyStats) (*model.DailyStats, error) {
			return nil, os.ErrInvalid
		})
	if err == nil {
		t.Fatal("expected merge error to abort the pass")
	}

	after, err := repo.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if (before == nil) != (after == nil) || (before != nil && after.ID != before.ID) {
		t.Fatal("rollback left a partial snapshot behind")
	}
}

func TestModelUsageRangeQuery(t *testing.T) {
	base := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		commitSnapshot(t, base.Add(time.Duration(i)*time.Hour), []model.ModelUsage{
			{APIEndpoint: "chat", ModelName: "Gamma-Pro", RequestCount: int64(i + 1), TotalTokens: int64((i + 1) * 100)},
		}, int64(i+1), int64((i+1)*100))
	}

	usage := NewModelUsageRepository()

	// 大小写不敏感子串匹配 + 半开时间区间
	lo := base.Add(time.Hour)
	hi := base.Add(3 * time.Hour)
	rows, err := usage.QueryRange("gamma", &lo, &hi, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("range rows = %d, want 2", len(rows))
	}
	if rows[0].RequestCount != 2 || rows[1].RequestCount != 3 {
		t.Fatalf("ascending order broken: %+v", rows)
	}

	// DESC + LIMIT 1 → 最新一行
	rows, err = usage.QueryRange("gamma", nil, nil, true, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("limit query: rows=%d err=%v", len(rows), err)
	}
	if rows[0].RequestCount != 4 {
		t.Fatalf("latest row = %+v", rows[0])
	}

	// 边界行查询
	snapID, at, ok, err := usage.LatestMatch("gamma")
	if err != nil || !ok {
		t.Fatalf("latest match: ok=%v err=%v", ok, err)
	}
	if !at.Equal(base.Add(3 * time.Hour)) {
		t.Fatalf("latest match time = %v", at)
	}

	_, at, ok, err = usage.LatestBefore("gamma", base.Add(2*time.Hour))
	if err != nil || !ok || !at.Equal(base.Add(time.Hour)) {
		t.Fatalf("latest before = %v ok=%v err=%v", at, ok, err)
	}

	_, at, ok, err = usage.EarliestAtOrAfter("gamma", base.Add(2*time.Hour))
	if err != nil || !ok || !at.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("earliest at-or-after = %v ok=%v err=%v", at, ok, err)
	}

	totals, err := usage.TotalsBySnapshot("gamma", snapID)
	if err != nil {
		t.Fatal(err)
	}
	if totals["Gamma-Pro"].Tokens != 400 || totals["Gamma-Pro"].Requests != 4 {
		t.Fatalf("totals = %+v", totals)
	}

	// 不匹配的模式查不到
	_, _, ok, err = usage.LatestMatch("does-not-exist")
	if err != nil || ok {
		t.Fatalf("unexpected match: ok=%v err=%v", ok, err)
	}
}

func TestDailyStatsUpsert(t *testing.T) {
	repo := NewDailyStatsRepository()

	b := model.NewBreakdown()
	b.Models["delta-model"] = &model.ModelBreakdown{Requests: 10, Tokens: 1000, Cost: 0.05}
	d := &model.DailyStats{Date: "2026-07-01", TotalRequests: 10, TotalTokens: 1000, TotalCostUSD: 0.05, Breakdown: b}
	if err := repo.Upsert(d); err != nil {
		t.Fatal(err)
	}

	d.TotalRequests = 15
	d.Breakdown.Models["delta-model"].Requests = 15
	if err := repo.Upsert(d); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetByDate("2026-07-01")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalRequests != 15 {
		t.Fatalf("upsert did not replace: %+v", got)
	}
	if got.Breakdown.Models["delta-model"].Requests != 15 {
		t.Fatalf("breakdown roundtrip: %+v", got.Breakdown.Models["delta-model"])
	}

	items, err := repo.Range("2026-07-01", "2026-07-31")
	if err != nil || len(items) != 1 {
		t.Fatalf("range: items=%d err=%v", len(items), err)
	}

	missing, err := repo.GetByDate("1999-01-01")
	if err != nil || missing != nil {
		t.Fatalf("missing date should be nil, got %+v err=%v", missing, err)
	}
}

func TestRateLimitConfigAndStatus(t *testing.T) {
	repo := NewRateLimitRepository()

	cfg := &model.RateLimitConfig{
		ModelPattern:  "gpt",
		WindowMinutes: 1440,
		ResetStrategy: model.StrategyDaily,
		TokenLimit:    10000,
	}
	if err := repo.CreateConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ID == "" {
		t.Fatal("create must assign an id")
	}

	got, err := repo.GetConfig(cfg.ID)
	if err != nil || got == nil || got.ModelPattern != "gpt" {
		t.Fatalf("get config: %+v err=%v", got, err)
	}
	if got.ResetAnchor != nil {
		t.Fatal("fresh config must have no anchor")
	}

	anchor := time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC)
	if err := repo.SetAnchor(cfg.ID, anchor); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.GetConfig(cfg.ID)
	if got.ResetAnchor == nil || !got.ResetAnchor.Equal(anchor) {
		t.Fatalf("anchor roundtrip: %v", got.ResetAnchor)
	}

	// 状态整行替换
	status := &model.RateLimitStatus{
		ConfigID: cfg.ID, UsedTokens: 8000, RemainingTokens: 2000, Percentage: 20,
		StatusLabel: "已用 8000/10000 tokens（剩余 20%）",
		WindowStart: anchor, NextReset: anchor.Add(24 * time.Hour), LastUpdated: anchor,
	}
	if err := repo.UpsertStatus(status); err != nil {
		t.Fatal(err)
	}
	status.UsedTokens, status.RemainingTokens, status.Percentage = 0, 10000, 100
	if err := repo.UpsertStatus(status); err != nil {
		t.Fatal(err)
	}

	gotStatus, err := repo.GetStatus(cfg.ID)
	if err != nil || gotStatus == nil {
		t.Fatalf("get status: %v", err)
	}
	if gotStatus.Percentage != 100 || gotStatus.UsedTokens != 0 {
		t.Fatalf("status not replaced: %+v", gotStatus)
	}

	statuses, err := repo.ListStatuses()
	if err != nil || statuses[cfg.ID] == nil {
		t.Fatalf("list statuses: %v", err)
	}

	// 未知 id 的更新/删除
	if err := repo.SetAnchor("no-such-id", anchor); err == nil {
		t.Fatal("expected error for unknown config")
	}
	if err := repo.DeleteConfig("no-such-id"); err == nil {
		t.Fatal("expected error for unknown config")
	}

	// 删配置连带删状态（级联）
	if err := repo.DeleteConfig(cfg.ID); err != nil {
		t.Fatal(err)
	}
	gotStatus, err = repo.GetStatus(cfg.ID)
	if err != nil || gotStatus != nil {
		t.Fatalf("cascade on config delete failed: %+v err=%v", gotStatus, err)
	}
}

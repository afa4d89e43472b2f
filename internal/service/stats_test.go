package service

import (
	"testing"
	"time"

	"usagecollector/internal/model"
)

var bangkok = time.FixedZone("UTC+7", 7*3600)

// fakeSnapshotRepo 内存快照序列（按时间升序）
type fakeSnapshotRepo struct {
	snaps []model.Snapshot
	usage map[int64][]model.ModelUsage
}

func (f *fakeSnapshotRepo) Latest() (*model.Snapshot, error) {
	if len(f.snaps) == 0 {
		return nil, nil
	}
	s := f.snaps[len(f.snaps)-1]
	return &s, nil
}
func (f *fakeSnapshotRepo) Previous() (*model.Snapshot, error) { return nil, nil }
func (f *fakeSnapshotRepo) UsageBySnapshot(id int64) ([]model.ModelUsage, error) {
	return f.usage[id], nil
}
func (f *fakeSnapshotRepo) ListBetween(lo, hi time.Time) ([]model.Snapshot, error) {
	var out []model.Snapshot
	for _, s := range f.snaps {
		if !s.CapturedAt.Before(lo) && s.CapturedAt.Before(hi) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSnapshotRepo) LatestBefore(t time.Time) (*model.Snapshot, error) {
	for i := len(f.snaps) - 1; i >= 0; i-- {
		if f.snaps[i].CapturedAt.Before(t) {
			s := f.snaps[i]
			return &s, nil
		}
	}
	return nil, nil
}
func (f *fakeSnapshotRepo) CommitPass(*model.Snapshot, []model.ModelUsage, string, func(*model.DailyStats) (*model.DailyStats, error)) error {
	return nil
}

func TestHourlyBucketsFromSnapshotDiffs(t *testing.T) {
	// 本地 2026-08-05：08:00 与 09:00 各一张快照，加上前一日基线
	dayStart := time.Date(2026, 8, 5, 0, 0, 0, 0, bangkok)
	repo := &fakeSnapshotRepo{snaps: []model.Snapshot{
		{ID: 1, CapturedAt: dayStart.Add(-time.Hour).UTC(), TotalRequests: 100, SuccessCount: 95, FailureCount: 5, TotalTokens: 10000, CumulativeCostUSD: 1.0},
		{ID: 2, CapturedAt: dayStart.Add(8 * time.Hour).UTC(), TotalRequests: 110, SuccessCount: 104, FailureCount: 6, TotalTokens: 11000, CumulativeCostUSD: 1.2},
		{ID: 3, CapturedAt: dayStart.Add(9*time.Hour + 30*time.Minute).UTC(), TotalRequests: 130, SuccessCount: 123, FailureCount: 7, TotalTokens: 13000, CumulativeCostUSD: 1.5},
	}}

	svc := NewStatsServiceWithRepo(repo, nil, nil, bangkok)
	stats, err := svc.Hourly("2026-08-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("buckets = %d, want 2", len(stats))
	}
	if stats[0].Hour != 8 || stats[0].Requests != 10 || stats[0].Tokens != 1000 {
		t.Fatalf("hour 8 = %+v", stats[0])
	}
	if stats[1].Hour != 9 || stats[1].Requests != 20 || stats[1].Success != 19 {
		t.Fatalf("hour 9 = %+v", stats[1])
	}
}

func TestHourlyHandlesRestart(t *testing.T) {
	dayStart := time.Date(2026, 8, 5, 0, 0, 0, 0, bangkok)
	repo := &fakeSnapshotRepo{snaps: []model.Snapshot{
		{ID: 1, CapturedAt: dayStart.Add(8 * time.Hour).UTC(), TotalRequests: 100, TotalTokens: 10000, CumulativeCostUSD: 1.0},
		// 上游重启：计数回落，增量取当前值
		{ID: 2, CapturedAt: dayStart.Add(9 * time.Hour).UTC(), TotalRequests: 3, TotalTokens: 300, CumulativeCostUSD: 1.1},
	}}

	svc := NewStatsServiceWithRepo(repo, nil, nil, bangkok)
	stats, err := svc.Hourly("2026-08-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("buckets = %d", len(stats))
	}
	if stats[1].Requests != 3 || stats[1].Tokens != 300 {
		t.Fatalf("restart hour = %+v, want current values", stats[1])
	}
}

func TestHourlyRejectsBadDate(t *testing.T) {
	svc := NewStatsServiceWithRepo(&fakeSnapshotRepo{}, nil, nil, bangkok)
	if _, err := svc.Hourly("08/05/2026"); err != ErrBadDate {
		t.Fatalf("err = %v, want ErrBadDate", err)
	}
}

func TestDailyRangeRejectsBadDates(t *testing.T) {
	svc := NewStatsServiceWithRepo(&fakeSnapshotRepo{}, nil, nil, bangkok)
	if _, err := svc.DailyRange("2026-8-5", "2026-08-05"); err != ErrBadDate {
		t.Fatalf("err = %v, want ErrBadDate", err)
	}
}

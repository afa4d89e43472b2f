package reconciler

import (
	"testing"
	"time"

	"usagecollector/internal/model"
)

var bangkok = time.FixedZone("UTC+7", 7*3600)

func TestDailyWindow(t *testing.T) {
	// 本地 2026-08-05 10:30
	now := time.Date(2026, 8, 5, 3, 30, 0, 0, time.UTC)

	start, next, err := WindowBounds(model.StrategyDaily, 0, now, bangkok)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2026, 8, 5, 0, 0, 0, 0, bangkok)
	if !start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", start, wantStart)
	}
	if !next.Equal(wantStart.Add(24 * time.Hour)) {
		t.Fatalf("next = %v", next)
	}
}

func TestWeeklyWindowISOMonday(t *testing.T) {
	// 2026-08-05 是周三，本周一为 08-03
	now := time.Date(2026, 8, 5, 3, 30, 0, 0, time.UTC)

	start, next, err := WindowBounds(model.StrategyWeekly, 0, now, bangkok)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2026, 8, 3, 0, 0, 0, 0, bangkok)
	if !start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", start, wantStart)
	}
	if !next.Equal(wantStart.AddDate(0, 0, 7)) {
		t.Fatalf("next = %v", next)
	}
}

func TestWeeklyWindowSundayMapsToSeven(t *testing.T) {
	// 2026-08-09 是周日：窗口起点仍是本周一 08-03，不是当天
	sunday := time.Date(2026, 8, 9, 12, 0, 0, 0, bangkok)

	start, _, err := WindowBounds(model.StrategyWeekly, 0, sunday, bangkok)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2026, 8, 3, 0, 0, 0, 0, bangkok)
	if !start.Equal(wantStart) {
		t.Fatalf("start on Sunday = %v, want %v", start, wantStart)
	}
}

func TestRollingWindow(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)

	start, next, err := WindowBounds(model.StrategyRolling, 300, now, bangkok)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(now.Add(-300 * time.Minute)) {
		t.Fatalf("start = %v", start)
	}
	// rolling 的 next_reset 是 now+1m 的新鲜度提示
	if !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("next = %v", next)
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, _, err := WindowBounds("monthly", 0, time.Now(), bangkok); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

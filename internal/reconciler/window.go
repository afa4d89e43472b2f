package reconciler

import (
	"time"

	"usagecollector/internal/model"
)

// WindowBounds 计算窗口起点与下次重置时间，全部以本地时间（UTC+偏移）为准。
// rolling 的 next_reset 没有真正的重置点，写 now+1m 供 UI 做新鲜度提示。
func WindowBounds(strategy string, windowMinutes int, now time.Time, loc *time.Location) (start, next time.Time, err error) {
	local := now.In(loc)

	switch strategy {
	case model.StrategyDaily:
		start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		next = start.Add(24 * time.Hour)
	case model.StrategyWeekly:
		// ISO 周一起始；周日按 7 处理
		weekday := int(local.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = time.Date(local.Year(), local.Month(), local.Day()-(weekday-1), 0, 0, 0, 0, loc)
		next = start.AddDate(0, 0, 7)
	case model.StrategyRolling:
		start = local.Add(-time.Duration(windowMinutes) * time.Minute)
		next = local.Add(time.Minute)
	default:
		return time.Time{}, time.Time{}, model.ErrUnknownStrategy
	}

	return start.UTC(), next.UTC(), nil
}

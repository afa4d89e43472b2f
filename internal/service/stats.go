package service

import (
	"errors"
	"time"

	"usagecollector/internal/model"
	"usagecollector/internal/repository"

	"github.com/shopspring/decimal"
)

var ErrBadDate = errors.New("日期格式应为 YYYY-MM-DD")

// StatsService 存储的只读投影，供查询接口使用
type StatsService struct {
	snapshots repository.SnapshotRepositoryInterface
	usage     repository.ModelUsageRepositoryInterface
	daily     repository.DailyStatsRepositoryInterface
	loc       *time.Location
}

func NewStatsService(loc *time.Location) *StatsService {
	return &StatsService{
		snapshots: repository.NewSnapshotRepository(),
		usage:     repository.NewModelUsageRepository(),
		daily:     repository.NewDailyStatsRepository(),
		loc:       loc,
	}
}

func NewStatsServiceWithRepo(
	snapshots repository.SnapshotRepositoryInterface,
	usage repository.ModelUsageRepositoryInterface,
	daily repository.DailyStatsRepositoryInterface,
	loc *time.Location,
) *StatsService {
	return &StatsService{snapshots: snapshots, usage: usage, daily: daily, loc: loc}
}

// Latest 最新快照及其模型行
func (s *StatsService) Latest() (*model.Snapshot, []model.ModelUsage, error) {
	snap, err := s.snapshots.Latest()
	if err != nil || snap == nil {
		return nil, nil, err
	}
	rows, err := s.snapshots.UsageBySnapshot(snap.ID)
	if err != nil {
		return nil, nil, err
	}
	return snap, rows, nil
}

// DailyRange 日聚合区间查询（含两端）
func (s *StatsService) DailyRange(from, to string) ([]model.DailyStats, error) {
	if _, err := time.Parse("2006-01-02", from); err != nil {
		return nil, ErrBadDate
	}
	if _, err := time.Parse("2006-01-02", to); err != nil {
		return nil, ErrBadDate
	}
	return s.daily.Range(from, to)
}

// Hourly 某个本地日内按小时的全局增量：相邻快照差分入桶，
// 计数回退按重启处理（取当前值）
func (s *StatsService) Hourly(date string) ([]model.HourlyStat, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, ErrBadDate
	}
	dayStart := day
	dayEnd := day.Add(24 * time.Hour)

	snaps, err := s.snapshots.ListBetween(dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	prev, err := s.snapshots.LatestBefore(dayStart)
	if err != nil {
		return nil, err
	}

	buckets := make(map[int]*model.HourlyStat)
	for i := range snaps {
		cur := &snaps[i]
		var dReq, dTok, dSucc, dFail int64
		var dCost decimal.Decimal
		if prev == nil {
			dReq, dTok = cur.TotalRequests, cur.TotalTokens
			dSucc, dFail = cur.SuccessCount, cur.FailureCount
			dCost = decimal.NewFromFloat(cur.CumulativeCostUSD)
		} else {
			dReq = cur.TotalRequests - prev.TotalRequests
			dTok = cur.TotalTokens - prev.TotalTokens
			dSucc = cur.SuccessCount - prev.SuccessCount
			dFail = cur.FailureCount - prev.FailureCount
			dCost = decimal.NewFromFloat(cur.CumulativeCostUSD).Sub(decimal.NewFromFloat(prev.CumulativeCostUSD))
			if dReq < 0 || dTok < 0 {
				dReq, dTok = cur.TotalRequests, cur.TotalTokens
				dSucc, dFail = cur.SuccessCount, cur.FailureCount
			}
		}

		hour := cur.CapturedAt.In(s.loc).Hour()
		b, ok := buckets[hour]
		if !ok {
			b = &model.HourlyStat{Hour: hour}
			buckets[hour] = b
		}
		b.Requests += clampNonNeg(dReq)
		b.Tokens += clampNonNeg(dTok)
		b.Success += clampNonNeg(dSucc)
		b.Failure += clampNonNeg(dFail)
		if dCost.IsPositive() {
			b.Cost = decimal.NewFromFloat(b.Cost).Add(dCost).InexactFloat64()
		}

		prev = cur
	}

	out := make([]model.HourlyStat, 0, len(buckets))
	for h := 0; h < 24; h++ {
		if b, ok := buckets[h]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

// ModelUsage 模型用量行的时间范围查询
func (s *StatsService) ModelUsage(pattern string, from, to *time.Time, desc bool, limit int) ([]model.ModelUsage, error) {
	return s.usage.QueryRange(pattern, from, to, desc, limit)
}

// Endpoints 某日各 endpoint 的聚合（取自日聚合 breakdown）
func (s *StatsService) Endpoints(date string) (map[string]*model.EndpointBreakdown, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, ErrBadDate
	}
	d, err := s.daily.GetByDate(date)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return map[string]*model.EndpointBreakdown{}, nil
	}
	return d.Breakdown.Endpoints, nil
}

func clampNonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Package collector 驱动整条流水线：定时拉取上游报告，跑差分引擎落库，
// 再触发限流对账。单进程单写者，一次只允许一轮 pass 在飞。
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"usagecollector/internal/config"
	"usagecollector/internal/delta"
	"usagecollector/internal/model"
	"usagecollector/internal/repository"
	"usagecollector/internal/upstream"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ErrInvariant 日聚合自检失败：顶层总量与 breakdown 求和不一致
var ErrInvariant = errors.New("日聚合自检失败")

// 自检容差（美元）
var invariantTolerance = decimal.New(1, -9)

// ReportFetcher 上游报告来源（测试注入用）
type ReportFetcher interface {
	FetchReport(ctx context.Context) (*upstream.Report, error)
}

// Reconciler 限流对账面
type Reconciler interface {
	ReconcileAll(now time.Time) error
}

type Coordinator struct {
	cfg       *config.Config
	client    ReportFetcher
	engine    *delta.Engine
	recon     Reconciler
	snapshots repository.SnapshotRepositoryInterface

	passMu   sync.Mutex
	interval time.Duration
}

func New(cfg *config.Config, client ReportFetcher, engine *delta.Engine, recon Reconciler, snapshots repository.SnapshotRepositoryInterface) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		client:    client,
		engine:    engine,
		recon:     recon,
		snapshots: snapshots,
		interval:  cfg.Interval(),
	}
}

// Run 启动即跑一轮，之后按固定间隔循环。
// 间隔从上一轮结束时刻起算；收到停止信号时跑完当前轮再退出。
func (c *Coordinator) Run(ctx context.Context) {
	log.Infof("collector: scheduler started (interval %s)", c.interval)
	c.RunOnce(ctx)

	for {
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("collector: scheduler stopped")
			return
		case <-timer.C:
		}
		c.RunOnce(ctx)
	}
}

// RunOnce 执行一轮完整 pass：差分引擎 + 对账。
// 已有 pass 在飞时直接返回 false（手动触发被合并，不排队）。
func (c *Coordinator) RunOnce(ctx context.Context) bool {
	if !c.passMu.TryLock() {
		log.Debug("collector: pass already in flight, trigger coalesced")
		return false
	}
	defer c.passMu.Unlock()

	if err := c.runDeltaPass(ctx); err != nil {
		c.logPassError(err)
	}

	// 对账不依赖本轮差分是否成功，反之亦然
	if err := c.recon.ReconcileAll(time.Now()); err != nil {
		log.Warnf("collector: reconcile pass failed: %v", err)
	}
	return true
}

// runDeltaPass 拉取报告、计算差分并在单个事务内落库
func (c *Coordinator) runDeltaPass(ctx context.Context) error {
	report, err := c.client.FetchReport(ctx)
	if err != nil {
		return err
	}

	prev, err := c.snapshots.Latest()
	if err != nil {
		return fmt.Errorf("读取上一张快照失败: %w", err)
	}
	var prevRows []model.ModelUsage
	if prev != nil {
		prevRows, err = c.snapshots.UsageBySnapshot(prev.ID)
		if err != nil {
			return fmt.Errorf("读取上一张快照模型行失败: %w", err)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	res := c.engine.Compute(report, prev, prevRows, now)
	date := now.In(c.cfg.Location()).Format("2006-01-02")

	err = c.snapshots.CommitPass(&res.Snapshot, res.Rows, date, func(existing *model.DailyStats) (*model.DailyStats, error) {
		return MergeDaily(existing, res, date, now)
	})
	if err != nil {
		return err
	}

	log.Infof("collector: pass committed snapshot=%d rows=%d date=%s dReq=%d dTok=%d dCost=%s skipped=%d",
		res.Snapshot.ID, len(res.Rows), date, res.Coarse.Requests, res.Coarse.Tokens, res.Coarse.Cost.StringFixed(6), len(res.Skipped))
	return nil
}

// MergeDaily 把一轮差分合并进当日聚合。
// 顶层总量从合并后的 breakdown 重算（自愈）；breakdown 为空时退回加粗粒度差分。
func MergeDaily(existing *model.DailyStats, res *delta.Result, date string, now time.Time) (*model.DailyStats, error) {
	if existing == nil {
		existing = &model.DailyStats{Date: date, Breakdown: model.NewBreakdown()}
	}

	existing.Breakdown.Merge(res.Breakdown)

	if len(existing.Breakdown.Models) > 0 {
		req, tok, cost := existing.Breakdown.ModelTotals()
		existing.TotalRequests = req
		existing.TotalTokens = tok
		existing.TotalCostUSD = cost.InexactFloat64()
	} else {
		existing.TotalRequests += clamp0(res.Coarse.Requests)
		existing.TotalTokens += clamp0(res.Coarse.Tokens)
		if res.Coarse.Cost.IsPositive() {
			existing.TotalCostUSD = decimal.NewFromFloat(existing.TotalCostUSD).Add(res.Coarse.Cost).InexactFloat64()
		}
	}
	existing.SuccessCount += clamp0(res.Coarse.Success)
	existing.FailureCount += clamp0(res.Coarse.Failure)
	existing.UpdatedAt = now

	if err := verifySelfHeal(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// verifySelfHeal 顶层总量必须能由 breakdown 求和复原
func verifySelfHeal(d *model.DailyStats) error {
	if len(d.Breakdown.Models) == 0 {
		return nil
	}
	req, tok, cost := d.Breakdown.ModelTotals()
	if req != d.TotalRequests || tok != d.TotalTokens {
		return fmt.Errorf("%w: requests %d/%d tokens %d/%d", ErrInvariant, d.TotalRequests, req, d.TotalTokens, tok)
	}
	if cost.Sub(decimal.NewFromFloat(d.TotalCostUSD)).Abs().GreaterThan(invariantTolerance) {
		return fmt.Errorf("%w: cost %f vs %s", ErrInvariant, d.TotalCostUSD, cost.String())
	}
	return nil
}

// logPassError 每轮每类错误至多一条告警
func (c *Coordinator) logPassError(err error) {
	switch {
	case errors.Is(err, upstream.ErrUpstream):
		log.Warnf("collector: upstream fetch failed, skipping pass: %v", err)
	case errors.Is(err, upstream.ErrParse):
		log.Warnf("collector: upstream report malformed, skipping pass: %v", err)
	case errors.Is(err, ErrInvariant):
		log.Warnf("collector: aggregate invariant violated, pass rolled back: %v", err)
	default:
		log.Warnf("collector: persistence error, pass rolled back: %v", err)
	}
}

func clamp0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

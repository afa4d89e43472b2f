// Package reconciler 把用户声明的限流预算和模型用量行对账，
// 为每个配置派生窗口内用量与剩余额度。
package reconciler

import (
	"fmt"
	"math"
	"time"

	"usagecollector/internal/model"

	log "github.com/sirupsen/logrus"
)

const (
	// 基线快照与窗口内首个快照间隔超过该值时做线性插值，
	// 避免一次空闲跨窗口的快照边界被算成窗口内用量
	gapThreshold = 30 * time.Minute
	// 假启动判定：整段当前累计首次作为差分出现
	currTokenTolerance = 100
)

// UsageSource 模型用量行的查询面（由 repository 实现）
type UsageSource interface {
	LatestMatch(pattern string) (int64, time.Time, bool, error)
	LatestBefore(pattern string, t time.Time) (int64, time.Time, bool, error)
	EarliestAtOrAfter(pattern string, t time.Time) (int64, time.Time, bool, error)
	TotalsBySnapshot(pattern string, snapshotID int64) (map[string]model.ModelTotals, error)
}

// ConfigStore 限流配置与状态的存取面
type ConfigStore interface {
	ListConfigs() ([]*model.RateLimitConfig, error)
	UpsertStatus(s *model.RateLimitStatus) error
}

type Reconciler struct {
	usage            UsageSource
	store            ConfigStore
	loc              *time.Location
	falseStartTokens int64
}

func New(usage UsageSource, store ConfigStore, loc *time.Location, falseStartTokens int64) *Reconciler {
	if falseStartTokens <= 0 {
		falseStartTokens = 100000
	}
	return &Reconciler{usage: usage, store: store, loc: loc, falseStartTokens: falseStartTokens}
}

// ReconcileAll 逐配置对账。单个配置失败只记日志不中断，整轮视为成功。
func (r *Reconciler) ReconcileAll(now time.Time) error {
	configs, err := r.store.ListConfigs()
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		status, err := r.ReconcileOne(cfg, now)
		if err != nil {
			log.Warnf("reconciler: config %s (%s) failed: %v", cfg.ID, cfg.ModelPattern, err)
			continue
		}
		if err := r.store.UpsertStatus(status); err != nil {
			log.Warnf("reconciler: config %s status write failed: %v", cfg.ID, err)
		}
	}
	return nil
}

// ReconcileOne 计算单个配置的窗口用量并生成状态行
func (r *Reconciler) ReconcileOne(cfg *model.RateLimitConfig, now time.Time) (*model.RateLimitStatus, error) {
	start, next, err := WindowBounds(cfg.ResetStrategy, cfg.WindowMinutes, now, r.loc)
	if err != nil {
		return nil, err
	}

	// 手动重置锚点晚于自然窗口起点时生效；早于则视为已自然过期
	if cfg.ResetAnchor != nil && cfg.ResetAnchor.After(start) {
		start = cfg.ResetAnchor.UTC()
	}

	usedTokens, usedRequests, err := r.usageInWindow(cfg.ModelPattern, start)
	if err != nil {
		return nil, err
	}

	return BuildStatus(cfg, usedTokens, usedRequests, start, next, now), nil
}

// usageInWindow 窗口内用量 = 最新快照累计 − 窗口基线累计，按模型求差后汇总
func (r *Reconciler) usageInWindow(pattern string, windowStart time.Time) (tokens, requests int64, err error) {
	latestID, latestT, ok, err := r.usage.LatestMatch(pattern)
	if err != nil {
		return 0, 0, err
	}
	if !ok || latestT.Before(windowStart) {
		// 没有任何行，或窗口内无活动
		return 0, 0, nil
	}

	currMap, err := r.usage.TotalsBySnapshot(pattern, latestID)
	if err != nil {
		return 0, 0, err
	}

	baseline, err := r.baselineTotals(pattern, windowStart)
	if err != nil {
		return 0, 0, err
	}

	for name, curr := range currMap {
		base := baseline[name]
		dTok := curr.Tokens - base.Tokens
		dReq := curr.Requests - base.Requests

		// 上游重启：回退用当前值替换
		if dTok < 0 || dReq < 0 {
			dTok, dReq = curr.Tokens, curr.Requests
		}

		// 假启动：基线没有该模型，整段累计首次作为差分出现
		if base.Tokens == 0 && dTok > r.falseStartTokens && abs64(dTok-curr.Tokens) < currTokenTolerance {
			log.Warnf("reconciler: false start for model %s skipped (%d tokens)", name, dTok)
			continue
		}

		tokens += dTok
		requests += dReq
	}
	return tokens, requests, nil
}

// baselineTotals 窗口基线。基线与窗口内首个快照间隔过大时线性插值
func (r *Reconciler) baselineTotals(pattern string, windowStart time.Time) (map[string]model.ModelTotals, error) {
	baseID, baseT, baseOK, err := r.usage.LatestBefore(pattern, windowStart)
	if err != nil {
		return nil, err
	}
	innerID, innerT, innerOK, err := r.usage.EarliestAtOrAfter(pattern, windowStart)
	if err != nil {
		return nil, err
	}

	if !baseOK {
		// 采集是在窗口内才开始的：乐观地用窗口内首个快照当基线
		if !innerOK {
			return map[string]model.ModelTotals{}, nil
		}
		return r.usage.TotalsBySnapshot(pattern, innerID)
	}

	base, err := r.usage.TotalsBySnapshot(pattern, baseID)
	if err != nil {
		return nil, err
	}

	if !innerOK || innerT.Sub(baseT) <= gapThreshold {
		return base, nil
	}

	inner, err := r.usage.TotalsBySnapshot(pattern, innerID)
	if err != nil {
		return nil, err
	}

	ratio := float64(windowStart.Sub(baseT)) / float64(innerT.Sub(baseT))
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	interp := make(map[string]model.ModelTotals, len(base)+len(inner))
	for name := range union(base, inner) {
		b, i := base[name], inner[name]
		interp[name] = model.ModelTotals{
			Tokens:   b.Tokens + int64(math.Round(ratio*float64(i.Tokens-b.Tokens))),
			Requests: b.Requests + int64(math.Round(ratio*float64(i.Requests-b.Requests))),
		}
	}
	return interp, nil
}

// BuildStatus 由用量生成状态行。百分比以声明的限额维度计算，优先 token
func BuildStatus(cfg *model.RateLimitConfig, usedTokens, usedRequests int64, windowStart, nextReset, now time.Time) *model.RateLimitStatus {
	s := &model.RateLimitStatus{
		ConfigID:     cfg.ID,
		UsedTokens:   usedTokens,
		UsedRequests: usedRequests,
		WindowStart:  windowStart,
		NextReset:    nextReset,
		LastUpdated:  now.UTC(),
	}

	if cfg.TokenLimit > 0 {
		s.RemainingTokens = max64(0, cfg.TokenLimit-usedTokens)
	}
	if cfg.RequestLimit > 0 {
		s.RemainingRequests = max64(0, cfg.RequestLimit-usedRequests)
	}

	switch {
	case cfg.TokenLimit > 0:
		s.Percentage = percentage(s.RemainingTokens, cfg.TokenLimit)
		s.StatusLabel = fmt.Sprintf("已用 %d/%d tokens（剩余 %d%%）", usedTokens, cfg.TokenLimit, s.Percentage)
	case cfg.RequestLimit > 0:
		s.Percentage = percentage(s.RemainingRequests, cfg.RequestLimit)
		s.StatusLabel = fmt.Sprintf("已用 %d/%d 次请求（剩余 %d%%）", usedRequests, cfg.RequestLimit, s.Percentage)
	default:
		s.Percentage = 100
		s.StatusLabel = fmt.Sprintf("观察中：%d tokens / %d 次请求", usedTokens, usedRequests)
	}

	return s
}

func percentage(remaining, limit int64) int {
	p := int(math.Floor(float64(remaining) / float64(limit) * 100))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

func union(a, b map[string]model.ModelTotals) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Package delta 把上游累计报告转换为增量：粗粒度全局差分、
// 按 (endpoint, model) 的细粒度差分，以及可合并进日聚合的 breakdown 增量。
// 纯计算，不做任何 I/O，便于单测。
package delta

import (
	"math"
	"sort"
	"time"

	"usagecollector/internal/model"
	"usagecollector/internal/pricing"
	"usagecollector/internal/upstream"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// 误杀保护：整段历史在一次差分里出现时，dCost 与当前累计几乎相等
const falseStartCostTolerance = 0.1

// 成功/失败计数不分模型，丢 key 后按比例衰减；低于该比例才触发
const attenuationRatio = 0.99

// GlobalDelta 两张快照之间的全局标量差分
type GlobalDelta struct {
	Requests int64
	Success  int64
	Failure  int64
	Tokens   int64
	Cost     decimal.Decimal
}

// Result 一轮差分计算的全部产物
type Result struct {
	Snapshot  model.Snapshot
	Rows      []model.ModelUsage
	Coarse    GlobalDelta
	Breakdown *model.Breakdown // 本轮增量，非当日累计
	Skipped   []string         // 被假启动过滤掉的 key
	Restart   bool             // 检测到上游重启
	First     bool             // 没有上一张快照
}

type Engine struct {
	calc           *pricing.Calculator
	falseStartCost decimal.Decimal
}

// NewEngine falseStartCostUSD 为假启动成本阈值（默认 10）
func NewEngine(calc *pricing.Calculator, falseStartCostUSD float64) *Engine {
	if falseStartCostUSD <= 0 {
		falseStartCostUSD = 10
	}
	return &Engine{
		calc:           calc,
		falseStartCost: decimal.NewFromFloat(falseStartCostUSD),
	}
}

// tuple 单个 (endpoint, model) key 的计数组
type tuple struct {
	endpoint string
	model    string
	req      int64
	tok      int64
	in       int64
	out      int64
	cost     decimal.Decimal
}

// Compute 执行一轮完整的差分计算。
// prev / prevRows 为上一张快照及其模型行；首轮传 nil。
func (e *Engine) Compute(report *upstream.Report, prev *model.Snapshot, prevRows []model.ModelUsage, now time.Time) *Result {
	res := &Result{
		Breakdown: model.NewBreakdown(),
		First:     prev == nil,
	}

	// 1. 成本核算：逐 (endpoint, model) 汇总 details 并计价
	curr := make(map[string]tuple)
	passCost := decimal.Zero
	for endpoint, ep := range report.APIs {
		for name, mr := range ep.Models {
			var in, out int64
			for _, d := range mr.Details {
				in += d.InputTokens
				out += d.OutputTokens
			}
			cost := e.calc.Price(name, in, out)
			passCost = passCost.Add(cost)

			curr[key(endpoint, name)] = tuple{
				endpoint: endpoint,
				model:    name,
				req:      mr.TotalRequests,
				tok:      mr.TotalTokens,
				in:       in,
				out:      out,
				cost:     cost,
			}
			res.Rows = append(res.Rows, model.ModelUsage{
				APIEndpoint:      endpoint,
				ModelName:        name,
				RequestCount:     mr.TotalRequests,
				InputTokens:      in,
				OutputTokens:     out,
				TotalTokens:      mr.TotalTokens,
				EstimatedCostUSD: cost.InexactFloat64(),
				CapturedAt:       now,
			})
		}
	}
	sort.Slice(res.Rows, func(i, j int) bool {
		if res.Rows[i].APIEndpoint != res.Rows[j].APIEndpoint {
			return res.Rows[i].APIEndpoint < res.Rows[j].APIEndpoint
		}
		return res.Rows[i].ModelName < res.Rows[j].ModelName
	})

	// 2. 快照。行内成本是累计口径；快照累计成本在对账后定稿（见末尾）
	res.Snapshot = model.Snapshot{
		CapturedAt:    now,
		RawJSON:       string(report.RawJSON),
		TotalRequests: report.TotalRequests,
		SuccessCount:  report.SuccessCount,
		FailureCount:  report.FailureCount,
		TotalTokens:   report.TotalTokens,
	}

	// 3. 粗粒度差分 + 全局重启检测
	if prev == nil {
		res.Coarse = GlobalDelta{
			Requests: report.TotalRequests,
			Success:  report.SuccessCount,
			Failure:  report.FailureCount,
			Tokens:   report.TotalTokens,
			Cost:     passCost,
		}
	} else {
		res.Coarse = GlobalDelta{
			Requests: report.TotalRequests - prev.TotalRequests,
			Success:  report.SuccessCount - prev.SuccessCount,
			Failure:  report.FailureCount - prev.FailureCount,
			Tokens:   report.TotalTokens - prev.TotalTokens,
			Cost:     passCost,
		}
		if res.Coarse.Requests < 0 || res.Coarse.Tokens < 0 {
			// 上游计数器回退：整个当前值就是新的增量
			res.Restart = true
			res.Coarse.Requests = report.TotalRequests
			res.Coarse.Success = report.SuccessCount
			res.Coarse.Failure = report.FailureCount
			res.Coarse.Tokens = report.TotalTokens
			log.Warnf("delta: upstream restart detected (requests %d -> %d)", prev.TotalRequests, report.TotalRequests)
		}
	}

	// 4. 细粒度差分 + 两级校正
	deltas := e.granular(curr, prevRows, res)

	// 5. 存活 key 折叠为 breakdown 增量
	for _, d := range deltas {
		if d.req <= 0 && !d.cost.IsPositive() {
			continue
		}
		foldModel(res.Breakdown, d)
		foldEndpoint(res.Breakdown, d)
	}

	// 6. 粗细对账：细粒度为准
	safeReq, safeTok, safeCost := res.Breakdown.ModelTotals()
	if !res.First && res.Coarse.Requests > 0 {
		ratio := float64(safeReq) / float64(res.Coarse.Requests)
		if ratio < attenuationRatio {
			res.Coarse.Success = int64(math.Round(float64(res.Coarse.Success) * ratio))
			res.Coarse.Failure = int64(math.Round(float64(res.Coarse.Failure) * ratio))
		}
	}
	res.Coarse.Requests = safeReq
	res.Coarse.Tokens = safeTok
	res.Coarse.Cost = safeCost

	// 快照累计成本定稿：上一张累计 + 存活差分成本。
	// 单张快照带来的跳变不会超过存活 per-key 差分之和
	prevCumulative := decimal.Zero
	if prev != nil {
		prevCumulative = decimal.NewFromFloat(prev.CumulativeCostUSD)
	}
	if safeCost.IsNegative() {
		safeCost = decimal.Zero
	}
	res.Snapshot.CumulativeCostUSD = prevCumulative.Add(safeCost).InexactFloat64()

	return res
}

// granular 计算每个 key 的差分并应用重启/假启动校正。
// 假启动 key 的差分会从粗粒度里扣除，保持全局一致。
func (e *Engine) granular(curr map[string]tuple, prevRows []model.ModelUsage, res *Result) []tuple {
	if res.First {
		out := make([]tuple, 0, len(curr))
		for _, t := range curr {
			out = append(out, t)
		}
		return out
	}

	prevBy := make(map[string]tuple, len(prevRows))
	for _, r := range prevRows {
		prevBy[key(r.APIEndpoint, r.ModelName)] = tuple{
			endpoint: r.APIEndpoint,
			model:    r.ModelName,
			req:      r.RequestCount,
			tok:      r.TotalTokens,
			in:       r.InputTokens,
			out:      r.OutputTokens,
			cost:     decimal.NewFromFloat(r.EstimatedCostUSD),
		}
	}

	keys := make(map[string]struct{}, len(curr)+len(prevBy))
	for k := range curr {
		keys[k] = struct{}{}
	}
	for k := range prevBy {
		keys[k] = struct{}{}
	}

	var out []tuple
	for k := range keys {
		c := curr[k]
		p := prevBy[k]
		if c.endpoint == "" && c.model == "" {
			c.endpoint, c.model = p.endpoint, p.model
		}

		d := tuple{
			endpoint: c.endpoint,
			model:    c.model,
			req:      c.req - p.req,
			tok:      c.tok - p.tok,
			in:       c.in - p.in,
			out:      c.out - p.out,
			cost:     c.cost.Sub(p.cost),
		}

		// 单 key 重启：计数回退，用当前值替换差分
		if d.req < 0 || d.tok < 0 {
			d.req, d.tok, d.in, d.out, d.cost = c.req, c.tok, c.in, c.out, c.cost
		}

		// 假启动：整段历史首次出现为一次差分，跳过并从粗粒度扣除
		if d.cost.GreaterThan(e.falseStartCost) &&
			d.cost.Sub(c.cost).Abs().LessThan(decimal.NewFromFloat(falseStartCostTolerance)) {
			res.Coarse.Requests -= d.req
			res.Coarse.Tokens -= d.tok
			res.Coarse.Cost = res.Coarse.Cost.Sub(d.cost)
			res.Skipped = append(res.Skipped, k)
			log.Warnf("delta: false start for %s skipped (cost delta %s equals cumulative)", k, d.cost.StringFixed(4))
			continue
		}

		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].endpoint, out[i].model) < key(out[j].endpoint, out[j].model) })
	return out
}

func foldModel(b *model.Breakdown, d tuple) {
	m, ok := b.Models[d.model]
	if !ok {
		m = &model.ModelBreakdown{}
		b.Models[d.model] = m
	}
	m.Requests += d.req
	m.Tokens += d.tok
	m.Cost = decimal.NewFromFloat(m.Cost).Add(d.cost).InexactFloat64()
	m.InputTokens += d.in
	m.OutputTokens += d.out
}

func foldEndpoint(b *model.Breakdown, d tuple) {
	ep, ok := b.Endpoints[d.endpoint]
	if !ok {
		ep = &model.EndpointBreakdown{Models: make(map[string]*model.EndpointModelBreakdown)}
		b.Endpoints[d.endpoint] = ep
	}
	ep.Requests += d.req
	ep.Tokens += d.tok
	ep.Cost = decimal.NewFromFloat(ep.Cost).Add(d.cost).InexactFloat64()

	em, ok := ep.Models[d.model]
	if !ok {
		em = &model.EndpointModelBreakdown{}
		ep.Models[d.model] = em
	}
	em.Requests += d.req
	em.Tokens += d.tok
	em.Cost = decimal.NewFromFloat(em.Cost).Add(d.cost).InexactFloat64()
}

func key(endpoint, model string) string {
	return endpoint + "|" + model
}

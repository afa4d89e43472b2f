package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidBreakdown = errors.New("breakdown 结构不合法")

// ModelBreakdown 单个模型在一天内的增量汇总
type ModelBreakdown struct {
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// EndpointModelBreakdown endpoint 下按模型细分
type EndpointModelBreakdown struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

type EndpointBreakdown struct {
	Requests int64                              `json:"requests"`
	Tokens   int64                              `json:"tokens"`
	Cost     float64                            `json:"cost"`
	Models   map[string]*EndpointModelBreakdown `json:"models"`
}

// Breakdown 日聚合的结构化明细，存储为 JSON 文档列
// 顶层恒为 {"models": {...}, "endpoints": {...}}
type Breakdown struct {
	Models    map[string]*ModelBreakdown    `json:"models"`
	Endpoints map[string]*EndpointBreakdown `json:"endpoints"`
}

func NewBreakdown() *Breakdown {
	return &Breakdown{
		Models:    make(map[string]*ModelBreakdown),
		Endpoints: make(map[string]*EndpointBreakdown),
	}
}

// ParseBreakdown 解析文档列，读取时校验结构
func ParseBreakdown(raw string) (*Breakdown, error) {
	if raw == "" || raw == "{}" {
		return NewBreakdown(), nil
	}
	var b Breakdown
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, ErrInvalidBreakdown
	}
	if b.Models == nil {
		b.Models = make(map[string]*ModelBreakdown)
	}
	if b.Endpoints == nil {
		b.Endpoints = make(map[string]*EndpointBreakdown)
	}
	for _, ep := range b.Endpoints {
		if ep.Models == nil {
			ep.Models = make(map[string]*EndpointModelBreakdown)
		}
	}
	return &b, nil
}

func (b *Breakdown) Marshal() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// addCost 金额相加走 decimal，避免浮点累计误差
func addCost(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).InexactFloat64()
}

// Merge 将增量 delta 深合并进来，逐叶求和
func (b *Breakdown) Merge(delta *Breakdown) {
	if delta == nil {
		return
	}
	for name, d := range delta.Models {
		m, ok := b.Models[name]
		if !ok {
			m = &ModelBreakdown{}
			b.Models[name] = m
		}
		m.Requests += d.Requests
		m.Tokens += d.Tokens
		m.Cost = addCost(m.Cost, d.Cost)
		m.InputTokens += d.InputTokens
		m.OutputTokens += d.OutputTokens
	}
	for name, d := range delta.Endpoints {
		ep, ok := b.Endpoints[name]
		if !ok {
			ep = &EndpointBreakdown{Models: make(map[string]*EndpointModelBreakdown)}
			b.Endpoints[name] = ep
		}
		ep.Requests += d.Requests
		ep.Tokens += d.Tokens
		ep.Cost = addCost(ep.Cost, d.Cost)
		for mname, dm := range d.Models {
			em, ok := ep.Models[mname]
			if !ok {
				em = &EndpointModelBreakdown{}
				ep.Models[mname] = em
			}
			em.Requests += dm.Requests
			em.Tokens += dm.Tokens
			em.Cost = addCost(em.Cost, dm.Cost)
		}
	}
}

// ModelTotals 按模型求和，顶层总量以此为准（自愈）
func (b *Breakdown) ModelTotals() (requests, tokens int64, cost decimal.Decimal) {
	for _, m := range b.Models {
		requests += m.Requests
		tokens += m.Tokens
		cost = cost.Add(decimal.NewFromFloat(m.Cost))
	}
	return requests, tokens, cost
}

// DailyStats 每个本地日历日一行，随快照到达原地 upsert
type DailyStats struct {
	Date          string     `json:"date"`
	TotalRequests int64      `json:"total_requests"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	TotalTokens   int64      `json:"total_tokens"`
	TotalCostUSD  float64    `json:"total_cost_usd"`
	Breakdown     *Breakdown `json:"breakdown"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

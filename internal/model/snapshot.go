package model

import "time"

// Snapshot 上游累计计数器的一次观测，追加写入后不再修改
// （cumulative_cost_usd 由差分引擎对账后算定，随快照行一次写入）
type Snapshot struct {
	ID                int64     `json:"id"`
	CapturedAt        time.Time `json:"captured_at"`
	RawJSON           string    `json:"-"`
	TotalRequests     int64     `json:"total_requests"`
	SuccessCount      int64     `json:"success_count"`
	FailureCount      int64     `json:"failure_count"`
	TotalTokens       int64     `json:"total_tokens"`
	CumulativeCostUSD float64   `json:"cumulative_cost_usd"`
}

// ModelUsage 每 (snapshot, endpoint, model) 的累计用量明细
// captured_at 从所属快照复制，便于按时间范围建索引查询
type ModelUsage struct {
	ID               int64     `json:"id"`
	SnapshotID       int64     `json:"snapshot_id"`
	APIEndpoint      string    `json:"api_endpoint"`
	ModelName        string    `json:"model_name"`
	RequestCount     int64     `json:"request_count"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CapturedAt       time.Time `json:"captured_at"`
}

// ModelTotals 按模型聚合的 token/请求数（限流窗口计算用）
type ModelTotals struct {
	Tokens   int64 `json:"tokens"`
	Requests int64 `json:"requests"`
}

package pricing

import "time"

// DefaultModel 价格表兜底条目的模型名
const DefaultModel = "_default"

// PriceEntry 单个模型的价格记录
// Input/Output 单位: USD per 1M tokens（远端表同此约定）
type PriceEntry struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Vendor    string    `json:"vendor,omitempty"`
	Input     float64   `json:"input"`
	Output    float64   `json:"output"`
	Source    string    `json:"source"` // builtin | remote | manual
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

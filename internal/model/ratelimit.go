package model

import (
	"errors"
	"time"
)

// 窗口重置策略
const (
	StrategyDaily   = "daily"
	StrategyWeekly  = "weekly"
	StrategyRolling = "rolling"
)

var (
	ErrUnknownStrategy = errors.New("未知的重置策略")
	ErrInvalidLimit    = errors.New("token 与请求限额至少填一项，或都留空作为观察配置")
)

// RateLimitConfig 用户声明的限流预算
// model_pattern 为大小写不敏感的子串匹配；两个限额都为 0 时仅作观察用
type RateLimitConfig struct {
	ID            string     `json:"id"`
	ModelPattern  string     `json:"model_pattern"`
	WindowMinutes int        `json:"window_minutes"`
	ResetStrategy string     `json:"reset_strategy"`
	TokenLimit    int64      `json:"token_limit"`
	RequestLimit  int64      `json:"request_limit"`
	ResetAnchor   *time.Time `json:"reset_anchor,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Informational 未声明任何正限额
func (c *RateLimitConfig) Informational() bool {
	return c.TokenLimit <= 0 && c.RequestLimit <= 0
}

// RateLimitStatus 由 Reconciler 派生，与配置一一对应，整行替换
type RateLimitStatus struct {
	ConfigID          string    `json:"config_id"`
	UsedTokens        int64     `json:"used_tokens"`
	UsedRequests      int64     `json:"used_requests"`
	RemainingTokens   int64     `json:"remaining_tokens"`
	RemainingRequests int64     `json:"remaining_requests"`
	Percentage        int       `json:"percentage"`
	StatusLabel       string    `json:"status_label"`
	WindowStart       time.Time `json:"window_start"`
	NextReset         time.Time `json:"next_reset"`
	LastUpdated       time.Time `json:"last_updated"`
}

// RateLimitConfigRequest 创建/更新限流配置的请求体
type RateLimitConfigRequest struct {
	ModelPattern  string `json:"modelPattern"`
	WindowMinutes int    `json:"windowMinutes"`
	ResetStrategy string `json:"resetStrategy"`
	TokenLimit    int64  `json:"tokenLimit"`
	RequestLimit  int64  `json:"requestLimit"`
}

func (r *RateLimitConfigRequest) Validate() error {
	switch r.ResetStrategy {
	case StrategyDaily, StrategyWeekly, StrategyRolling:
	default:
		return ErrUnknownStrategy
	}
	if r.ModelPattern == "" {
		return errors.New("模型匹配串不能为空")
	}
	if r.TokenLimit < 0 || r.RequestLimit < 0 {
		return ErrInvalidLimit
	}
	if r.ResetStrategy == StrategyRolling && r.WindowMinutes <= 0 {
		return errors.New("rolling 策略需要正的窗口分钟数")
	}
	return nil
}

// RateLimitEntry 配置与状态合并后的 UI 视图节点
type RateLimitEntry struct {
	Config *RateLimitConfig `json:"config"`
	Status *RateLimitStatus `json:"status,omitempty"`
}

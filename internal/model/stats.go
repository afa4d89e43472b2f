package model

// HourlyStat 按本地小时聚合的全局增量（由相邻快照差分投影而来）
type HourlyStat struct {
	Hour     int     `json:"hour"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Success  int64   `json:"success"`
	Failure  int64   `json:"failure"`
	Cost     float64 `json:"cost"`
}

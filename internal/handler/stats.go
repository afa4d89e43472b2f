package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"usagecollector/internal/service"

	"github.com/gin-gonic/gin"
)

type StatsHandler struct {
	svc *service.StatsService
	loc *time.Location
}

func NewStatsHandler(svc *service.StatsService, loc *time.Location) *StatsHandler {
	return &StatsHandler{svc: svc, loc: loc}
}

// Latest 最新快照及模型行
func (h *StatsHandler) Latest(c *gin.Context) {
	snap, rows, err := h.svc.Latest()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "models": rows})
}

// Daily 日聚合区间，默认最近 7 天
func (h *StatsHandler) Daily(c *gin.Context) {
	today := time.Now().In(h.loc).Format("2006-01-02")
	weekAgo := time.Now().In(h.loc).AddDate(0, 0, -6).Format("2006-01-02")
	from := c.DefaultQuery("from", weekAgo)
	to := c.DefaultQuery("to", today)

	stats, err := h.svc.DailyRange(from, to)
	if err != nil {
		if errors.Is(err, service.ErrBadDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": stats, "total": len(stats)})
}

// Hourly 某个本地日的按小时增量，默认今天
func (h *StatsHandler) Hourly(c *gin.Context) {
	date := c.DefaultQuery("date", time.Now().In(h.loc).Format("2006-01-02"))

	stats, err := h.svc.Hourly(date)
	if err != nil {
		if errors.Is(err, service.ErrBadDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "hours": stats})
}

// Models 模型用量行时间范围查询
// 参数: model（子串）、from/to（RFC3339）、order=asc|desc、limit
func (h *StatsHandler) Models(c *gin.Context) {
	pattern := c.Query("model")

	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from 时间格式应为 RFC3339"})
			return
		}
		from = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to 时间格式应为 RFC3339"})
			return
		}
		to = &t
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 应为非负整数"})
			return
		}
		limit = n
	}
	desc := c.DefaultQuery("order", "desc") != "asc"

	rows, err := h.svc.ModelUsage(pattern, from, to, desc, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": len(rows)})
}

// Endpoints 某日各 endpoint 聚合
func (h *StatsHandler) Endpoints(c *gin.Context) {
	date := c.DefaultQuery("date", time.Now().In(h.loc).Format("2006-01-02"))

	endpoints, err := h.svc.Endpoints(date)
	if err != nil {
		if errors.Is(err, service.ErrBadDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "endpoints": endpoints})
}

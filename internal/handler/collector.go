package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"usagecollector/internal/collector"
	"usagecollector/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CollectorHandler struct {
	coord *collector.Coordinator
	rlSvc *service.RateLimitService
}

func NewCollectorHandler(coord *collector.Coordinator, rlSvc *service.RateLimitService) *CollectorHandler {
	return &CollectorHandler{coord: coord, rlSvc: rlSvc}
}

// Health 健康检查，不依赖数据面，恒 200
func (h *CollectorHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Trigger 手动触发一轮采集。已有 pass 在飞时被合并，同样返回 202
func (h *CollectorHandler) Trigger(c *gin.Context) {
	go h.coord.RunOnce(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"message": "采集任务已受理"})
}

// Reset 手动重置限流状态，并异步触发一轮对账保持重置效果
func (h *CollectorHandler) Reset(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的配置 ID"})
		return
	}

	status, err := h.rlSvc.Reset(id, time.Now())
	if err != nil {
		if errors.Is(err, service.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "限流配置不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重置失败"})
		return
	}

	go h.coord.RunOnce(context.Background())

	c.JSON(http.StatusOK, gin.H{
		"message": "限流状态已重置",
		"new_status": gin.H{
			"percentage": status.Percentage,
			"label":      status.StatusLabel,
		},
	})
}

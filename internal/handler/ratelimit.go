package handler

import (
	"errors"
	"net/http"

	"usagecollector/internal/model"
	"usagecollector/internal/service"

	"github.com/gin-gonic/gin"
)

type RateLimitHandler struct {
	svc *service.RateLimitService
}

func NewRateLimitHandler(svc *service.RateLimitService) *RateLimitHandler {
	return &RateLimitHandler{svc: svc}
}

func (h *RateLimitHandler) List(c *gin.Context) {
	configs, err := h.svc.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": configs, "total": len(configs)})
}

// Tree 配置与最新状态合并后的视图
func (h *RateLimitHandler) Tree(c *gin.Context) {
	entries, err := h.svc.Tree()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "total": len(entries)})
}

func (h *RateLimitHandler) Get(c *gin.Context) {
	cfg, err := h.svc.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "限流配置不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *RateLimitHandler) Create(c *gin.Context) {
	var req model.RateLimitConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误"})
		return
	}

	cfg, err := h.svc.Create(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *RateLimitHandler) Update(c *gin.Context) {
	var req model.RateLimitConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误"})
		return
	}

	cfg, err := h.svc.Update(c.Param("id"), &req)
	if err != nil {
		if errors.Is(err, service.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "限流配置不存在"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *RateLimitHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Param("id")); err != nil {
		if errors.Is(err, service.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "限流配置不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已删除"})
}

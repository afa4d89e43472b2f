package router

import (
	"strings"

	"usagecollector/internal/collector"
	"usagecollector/internal/config"
	"usagecollector/internal/handler"
	"usagecollector/internal/middleware"
	"usagecollector/internal/service"

	"github.com/gin-gonic/gin"
)

func Setup(coord *collector.Coordinator) *gin.Engine {
	r := gin.Default()

	cfg := config.Get()
	loc := cfg.Location()

	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	if len(allowedOrigins) == 0 || allowedOrigins[0] == "" {
		allowedOrigins = []string{"*"}
	}

	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			o = strings.TrimSpace(o)
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		} else if allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")
		c.Header("Vary", "Origin")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, 10)
	admin := middleware.AdminKeyMiddleware(cfg.AdminKey)

	rlSvc := service.NewRateLimitService(loc)
	statsHandler := handler.NewStatsHandler(service.NewStatsService(loc), loc)
	collectorHandler := handler.NewCollectorHandler(coord, rlSvc)
	rlHandler := handler.NewRateLimitHandler(rlSvc)

	api := r.Group("/api")
	{
		col := api.Group("/collector")
		{
			// 健康检查不经过限速，也不依赖数据面
			col.GET("/health", collectorHandler.Health)
			col.POST("/trigger", limiter.ByIP(), admin, collectorHandler.Trigger)
			col.POST("/reset/:id", limiter.ByIP(), admin, collectorHandler.Reset)
		}

		stats := api.Group("/stats")
		{
			stats.GET("/latest", statsHandler.Latest)
			stats.GET("/daily", statsHandler.Daily)
			stats.GET("/hourly", statsHandler.Hourly)
			stats.GET("/models", statsHandler.Models)
			stats.GET("/endpoints", statsHandler.Endpoints)
		}

		// 合并视图单独挂一条路径，避免与 /:id 同段冲突
		api.GET("/rate-limit-tree", rlHandler.Tree)

		limits := api.Group("/rate-limits")
		{
			limits.GET("", rlHandler.List)
			limits.GET("/:id", rlHandler.Get)
			limits.POST("", limiter.ByIP(), admin, rlHandler.Create)
			limits.PUT("/:id", limiter.ByIP(), admin, rlHandler.Update)
			limits.DELETE("/:id", limiter.ByIP(), admin, rlHandler.Delete)
		}
	}

	return r
}

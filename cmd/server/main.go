package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"usagecollector/internal/collector"
	"usagecollector/internal/config"
	"usagecollector/internal/database"
	"usagecollector/internal/delta"
	"usagecollector/internal/pricing"
	"usagecollector/internal/reconciler"
	"usagecollector/internal/repository"
	"usagecollector/internal/router"
	"usagecollector/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	gin.SetMode(gin.ReleaseMode)

	cfg := config.Load()

	if err := database.Init(cfg.DBPath); err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer database.Close()

	// 初始化价格表（冷启动走数据库缓存/内置价格）
	pricing.InitPriceStore(cfg.PriceTableURL)
	defer pricing.StopPriceStore()

	calc := pricing.NewCalculator(pricing.GetPriceStore())
	client := upstream.NewClient(cfg.CliproxyURL, cfg.ManagementKey)
	engine := delta.NewEngine(calc, cfg.FalseStartCostUSD)
	recon := reconciler.New(
		repository.NewModelUsageRepository(),
		repository.NewRateLimitRepository(),
		cfg.Location(),
		cfg.FalseStartTokens,
	)
	coord := collector.New(cfg, client, engine, recon, repository.NewSnapshotRepository())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		coord.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.TriggerPort),
		Handler: router.Setup(coord),
	}

	go func() {
		log.Printf("控制面启动在 http://%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	<-ctx.Done()

	// 先停止接收新连接，给在途请求一个短暂排空窗口
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务器关闭超时: %v", err)
	}

	// 调度器跑完当前轮自行退出
	<-schedulerDone
}

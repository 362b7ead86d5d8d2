package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaydubya818/comicogs-sub003/internal/api"
	"github.com/jaydubya818/comicogs-sub003/internal/app"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置（配置错误直接退出）
// 2. 组装采集、分类、聚合服务
// 3. 启动关注列表调度器与 HTTP 服务，收到信号后优雅退出
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(cfg.App.Env, cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init services failed",
			slog.String("error", err.Error()),
			slog.Bool("configuration", config.IsConfigurationError(err)))
		os.Exit(1)
	}

	schedDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(schedDone)
			services.Scheduler.Run(ctx)
		}()
	} else {
		close(schedDone)
	}

	srv := api.NewServer(api.DepsFromApp(services), appLogger)
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// 调度器在 ctx 结束后自行排空队列
	<-schedDone
	if err := services.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-sedentary/internal/common/logger"
	"wisefido-sedentary/internal/config"
	"wisefido-sedentary/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置（阈值顺序等错误在这里拒绝启动）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-sedentary")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting wisefido-sedentary service",
		zap.String("source", cfg.Source.Kind),
		zap.Float64("fidget_threshold", cfg.Classifier.FidgetThreshold),
		zap.Float64("active_threshold", cfg.Classifier.ActiveThreshold),
		zap.Int64("alert_limit_seconds", cfg.Classifier.AlertLimitSeconds),
		zap.Bool("fallback_disabled", cfg.Fallback.Disabled),
		zap.Bool("replay_loop", cfg.Fallback.Loop),
		zap.String("server_address", cfg.Server.Address),
	)

	// 创建服务
	sedentaryService, err := service.NewSedentaryService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create sedentary service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sedentaryService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start sedentary service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sedentaryService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}

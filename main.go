package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tgpanel/internal/config"

	"go.uber.org/zap"
)

func main() {
	logger := buildLogger()
	defer logger.Sync()

	cfg := config.Load()
	if err := config.PersistDataDir(cfg.DataDir); err != nil {
		logger.Warn("persisting data dir failed", zap.Error(err))
	}

	app := NewApp(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Startup(ctx); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.Shutdown(shutdownCtx)
}

func buildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

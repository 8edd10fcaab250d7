package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"camera-core/internal/config"
	"camera-core/internal/corectx"
	"camera-core/internal/httpapi"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	core := corectx.New(cfg, logger)
	router := httpapi.New(core.Registry, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("previewd listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	logger, err := cfg.Build()
	if err != nil {
		log.Printf("falling back to a no-op logger: %v", err)
		return zap.NewNop(), nil
	}
	return logger, nil
}

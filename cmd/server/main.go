package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/app"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l, err := logger.New(logger.Config{Level: cfg.Log.Level, Env: cfg.Env})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer l.Sync()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg, l)
	if err != nil {
		l.Fatal("Failed to start", zap.Error(err))
	}

	if err := application.Run(ctx); err != nil {
		l.Error("Application exited with error", zap.Error(err))
	}
}

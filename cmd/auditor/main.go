package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// auditor persists audit entries from the audit topic into Postgres.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logx.New(cfg.LogLevel, "audit-writer")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	handler := audit.Handler(&audit.Writer{DB: db}, &redisx.Dedup{R: rdb, Service: cfg.AuditGroup}, logger)
	consumer := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.AuditGroup, cfg.AuditTopic, cfg.AuditWorkers, logger)

	logger.Info("audit consumer started", zap.String("topic", cfg.AuditTopic), zap.Int("workers", cfg.AuditWorkers))
	if err := consumer.Start(ctx, handler); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}
	logger.Info("audit consumer shutting down")
}

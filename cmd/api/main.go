package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/membership"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logx.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	if cfg.RunMigrations {
		if err := postgres.Migrate(cfg.PostgresDSN, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka: satu producer untuk event order, satu untuk audit
	events := kafkax.NewProducer(cfg.KafkaBrokers, cfg.OrderTopic, 1024, logger)
	events.Start(ctx)
	auditProd := kafkax.NewProducer(cfg.KafkaBrokers, cfg.AuditTopic, 1024, logger)
	auditProd.Start(ctx)
	var auditSink audit.Sink = &audit.KafkaSink{Producer: auditProd}
	if cfg.AuditSink == "log" {
		auditSink = &audit.LogSink{Log: logger}
	}

	tiers, err := membership.LoadTable(cfg.TiersFile)
	if err != nil {
		logger.Fatal("membership tiers", zap.String("file", cfg.TiersFile), zap.Error(err))
	}

	inv := &inventory.Repo{DB: db, Log: logger}
	repo := &orders.Repo{DB: db, Inventory: inv, Pricing: cfg.Pricing, Log: logger}
	members := &membership.Service{Spend: repo, Tiers: tiers, Log: logger}
	bus := &redisx.StockBus{R: rdb, Buffer: cfg.StockStreamBuffer}
	svc := &orders.Service{
		Store:    repo,
		Rates:    members,
		Events:   events,
		Cache:    &redisx.OrderCache{R: rdb},
		Stock:    bus,
		Audit:    auditSink,
		Log:      logger,
		Producer: cfg.ServiceName,
		MaxBatch: cfg.MaxBatchOrderIDs,
	}

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Orders: svc, Log: logger, Timeout: cfg.RequestTimeout}).Register(router)
	(&httpx.AdminHandler{Orders: svc, Log: logger, Timeout: cfg.RequestTimeout}).Register(router)
	(&httpx.StockHandler{Products: inv, Live: bus, Log: logger, Timeout: cfg.RequestTimeout}).Register(router)
	(&httpx.MembershipHandler{Members: members, Log: logger, Timeout: cfg.RequestTimeout}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	events.Close() // tutup inbox -> flush & close writer
	auditProd.Close()
	cancel()
	events.WaitClosed()
	auditProd.WaitClosed()
}

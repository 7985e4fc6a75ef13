package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/storefront-lab/fulfillment/internal/carrier"
	"github.com/storefront-lab/fulfillment/internal/config"
	"github.com/storefront-lab/fulfillment/internal/httpx"
	"github.com/storefront-lab/fulfillment/internal/ledger"
	"github.com/storefront-lab/fulfillment/internal/orders"
	"github.com/storefront-lab/fulfillment/internal/outbox"
	"github.com/storefront-lab/fulfillment/internal/postgres"
	"github.com/storefront-lab/fulfillment/internal/redisx"
	"github.com/storefront-lab/fulfillment/internal/warehouse"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	// DB
	if err := postgres.Migrate(cfg.PostgresDSN, "migrations"); err != nil {
		logger.Fatalw("migrate", "err", err)
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalw("db connect", "err", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Domain services
	ledgerSvc := ledger.NewService(ledger.NewPGStore(db), logger)
	bank := ledger.NewClient(ledgerSvc, cfg.LedgerAttempts, cfg.LedgerBackoff)
	stock := warehouse.NewEngine(warehouse.NewPGStore(db), logger)
	carrierCli := carrier.NewClient(cfg.CarrierURL, 5*time.Second)
	orderStore := orders.NewPGStore(db)
	orderSvc := orders.NewService(orderStore, stock, bank, carrierCli,
		cfg.StoreAccount, cfg.WebhookURL, cfg.DeliveryFailGrace, logger)

	// Outbox relay drives the saga steps.
	relay := outbox.NewRelay(outbox.NewPGStore(db), cfg.OutboxPollInterval,
		cfg.OutboxMaxRetries, cfg.OutboxBatchSize, logger)
	orderSvc.Register(relay)
	go relay.Run(ctx)

	// Unpaid-order reaper.
	reaper := orders.NewReaper(orderStore, orderSvc, cfg.ReaperInterval, cfg.PaymentTimeout, logger)
	go reaper.Run(ctx)

	// HTTP
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Svc: orderSvc, Warehouse: stock, Redis: rdb}
	oh.Register(router)
	lh := &httpx.LedgerHandler{Svc: ledgerSvc}
	lh.Register(router)
	wh := &httpx.WebhookHandler{Svc: orderSvc, Redis: rdb}
	wh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Infow("store listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
}

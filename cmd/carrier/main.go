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

	"github.com/storefront-lab/fulfillment/internal/config"
	"github.com/storefront-lab/fulfillment/internal/delivery"
	"github.com/storefront-lab/fulfillment/internal/httpx"
	"github.com/storefront-lab/fulfillment/internal/kafkax"
	"github.com/storefront-lab/fulfillment/internal/postgres"
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

	// Producers, one per topic.
	tasks := kafkax.NewProducer(cfg.KafkaBrokers, kafkax.TopicDeliveryTasks, 1024)
	tasks.Start(ctx)
	notices := kafkax.NewProducer(cfg.KafkaBrokers, kafkax.TopicNotifications, 1024)
	notices.Start(ctx)
	dlq := kafkax.NewProducer(cfg.KafkaBrokers, kafkax.TopicNotificationsDLQ, 1024)
	dlq.Start(ctx)

	store := delivery.NewPGStore(db)
	svc := delivery.NewService(store, tasks, notices, logger)

	// Progress worker pool over the task topic.
	worker := delivery.NewWorker(store, tasks, notices, cfg.TransitDelay, cfg.PackageLossRate, logger)
	taskConsumer := kafkax.NewConsumer(cfg.KafkaBrokers, "carrier-progress", kafkax.TopicDeliveryTasks, cfg.DeliveryWorkers)
	go func() {
		if err := taskConsumer.Start(ctx, worker.Handle); err != nil {
			logger.Errorw("task consumer stopped", "err", err)
		}
	}()

	// Webhook notifier and its dead-letter companion.
	notifier := delivery.NewNotifier(dlq, cfg.NotifyTimeout, logger)
	noticeConsumer := kafkax.NewConsumer(cfg.KafkaBrokers, "carrier-notify", kafkax.TopicNotifications, 2)
	go func() {
		if err := noticeConsumer.Start(ctx, notifier.Handle); err != nil {
			logger.Errorw("notification consumer stopped", "err", err)
		}
	}()
	deadletter := delivery.NewDeadLetter(notices, cfg.DLQMaxRetries, logger)
	dlqConsumer := kafkax.NewConsumer(cfg.KafkaBrokers, "carrier-dlq", kafkax.TopicNotificationsDLQ, 1)
	go func() {
		if err := dlqConsumer.Start(ctx, deadletter.Handle); err != nil {
			logger.Errorw("dlq consumer stopped", "err", err)
		}
	}()

	// HTTP
	router := httpx.NewRouter()
	dh := &httpx.DeliveryHandler{Svc: svc}
	dh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Infow("carrier listening", "addr", cfg.HTTPAddr)
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

	cancel() // stop consumers and flush producers
	tasks.WaitClosed()
	notices.WaitClosed()
	dlq.WaitClosed()
}

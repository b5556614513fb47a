package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flash_checkout/internal/activity"
	"flash_checkout/internal/config"
	"flash_checkout/internal/gatekeeper"
	"flash_checkout/internal/intake"
	"flash_checkout/internal/inventory"
	"flash_checkout/internal/middleware"
	"flash_checkout/internal/order"
	"flash_checkout/internal/payment"
	"flash_checkout/internal/queue"
	"flash_checkout/internal/reconcile"
	"flash_checkout/internal/reservation"
	"flash_checkout/internal/router"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"
	"flash_checkout/pkg/logger"
	"flash_checkout/pkg/retry"
	"flash_checkout/pkg/tracing"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceName = "flash-checkout"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			zl.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// 1. ledger database, migrated on open
	gdb, err := store.Open(cfg.DBDriver, cfg.DBDSN, zl)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	db := store.New(gdb)

	// 2. redis: stock counters, prices, progress, saga locks and wakes
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	topics := queue.Topics{
		Reservations: cfg.ReservationTopic,
		Progress:     cfg.ProgressTopic,
		Created:      cfg.CreatedTopic,
		Confirmed:    cfg.ConfirmedTopic,
		Failed:       cfg.FailedTopic,
	}

	// 3. services
	gate := gatekeeper.New(rdb, zl.Named("gatekeeper"))
	acts := activity.NewClient(activity.Config{
		BaseURL:        cfg.InternalBaseURL,
		Timeout:        cfg.ActivityTimeout,
		PaymentTimeout: cfg.PaymentActivityTimeout,
		Retry: retry.Policy{
			Attempts:   cfg.ActivityAttempts,
			BaseDelay:  cfg.ActivityBackoff,
			Multiplier: 2,
		},
	}, &http.Client{}, zl.Named("activity"))
	engine := saga.NewEngine(db, acts,
		saga.WithLogger(zl.Named("saga")),
		saga.WithPaymentTTL(cfg.SagaPaymentTTL),
		saga.WithLocker(saga.NewRedisLocker(rdb), cfg.SagaLockTTL),
		saga.WithWaker(saga.NewRedisWaker(rdb)),
		saga.WithPollInterval(cfg.SagaPoll))

	orders := order.NewService(db, rdb, gate, engine, topics, cfg.ProgressTTL, zl.Named("order"))
	stock := inventory.NewService(db, gate, cfg.ReservationHold, zl.Named("inventory"))
	payments := payment.NewService(db, payment.MockProcessor{}, engine, zl.Named("payment"))
	recon := reconcile.NewService(db, gate, zl.Named("reconcile"))
	admit := intake.NewHandler(gate, db, topics, zl.Named("intake"))
	reservations := reservation.NewHandler(db, orders, engine, zl.Named("reservation"))

	if cfg.SeedStockOnStartup {
		if n, err := recon.SeedIfAbsent(ctx); err != nil {
			zl.Warn("seed stock counters", zap.Error(err))
		} else {
			zl.Info("stock counters seeded", zap.Int("count", n))
		}
	}

	// 4. http
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Tracing(serviceName), middleware.Metrics(), middleware.RequestLog(zl.Named("http")))
	router.Setup(r, router.Deps{
		Intake:    admit,
		Inventory: stock,
		Payments:  payments,
		Orders:    orders,
		Reconcile: recon,
		Sagas:     engine,
		RDB:       rdb,
		Config:    cfg,
		Log:       zl,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 5. background loops
	producer := queue.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	relay := queue.NewRelay(db, producer, cfg.RelayBatchSize, cfg.RelayInterval, zl.Named("relay"))
	consumer := queue.NewConsumer(
		queue.NewReaderFactory(cfg.KafkaBrokers, topics.Reservations, cfg.KafkaGroupID),
		reservations.HandleMessage, time.Second, zl.Named("consumer"))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); relay.Run(ctx) }()
	go func() { defer wg.Done(); consumer.Run(ctx) }()
	go func() { defer wg.Done(); engine.RecoverEvery(ctx, cfg.SagaLockTTL) }()

	errCh := make(chan error, 1)
	go func() {
		zl.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// sagas left unfinished by the previous process; activities need the listener up
	go func() {
		if _, err := engine.Recover(ctx); err != nil {
			zl.Error("saga recovery", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err = <-errCh:
		zl.Error("http server", zap.Error(err))
		stop()
	}

	// runs park at their next suspension point and resume on the next start;
	// the listener stays up until then because their activities call it
	engine.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		zl.Warn("http shutdown", zap.Error(serr))
	}
	wg.Wait()
	return err
}

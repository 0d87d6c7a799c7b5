package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	"github.com/ariefcatur/go-shop-orders/internal/httpx"
	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/notify"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/postgres"
	"github.com/ariefcatur/go-shop-orders/internal/reconcile"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/ariefcatur/go-shop-orders/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "order-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		Env:         string(cfg.AppEnv),
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// DB
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return err
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Kafka producer for order events
	prod := kafkax.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OrderEvents, cfg.Kafka.Buffer, logger.Named("kafka"))
	prod.Start()
	defer func() {
		prod.Close()
		wctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := prod.WaitClosed(wctx); err != nil {
			logger.Warn("kafka producer did not drain", zap.Error(err))
		}
	}()

	ledger := inventory.NewPostgresLedger(db)
	statusCache := redisx.NewStatusCache(rdb)
	svc := orders.NewService(orders.NewRepo(db), ledger, ledger,
		notify.NewKafkaPublisher(prod, cfg.ServiceName),
		logger.Named("orders"),
		orders.WithAdminEmail(cfg.Notifier.AdminEmail),
		orders.WithStatusSink(statusCache),
	)

	router := httpx.NewRouter(logger.Named("http"))
	(&httpx.OrdersHandler{
		Orders:  svc,
		Catalog: ledger,
		Cache:   statusCache,
		Logger:  logger.Named("http"),
	}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if cfg.Reconcile.Enabled {
		sched := reconcile.New(svc, redisx.NewLocker(rdb), logger.Named("reconcile"), reconcile.Config{
			Interval:  cfg.Reconcile.Interval,
			BatchSize: cfg.Reconcile.BatchSize,
			LockTTL:   cfg.Reconcile.LockTTL,
		})
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

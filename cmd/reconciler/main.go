package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/config"
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
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName + "-reconciler",
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
		ServiceName: cfg.ServiceName + "-reconciler",
		Env:         string(cfg.AppEnv),
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: 4})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

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
	svc := orders.NewService(orders.NewRepo(db), ledger, ledger,
		notify.NewKafkaPublisher(prod, cfg.ServiceName+"-reconciler"),
		logger.Named("orders"),
		orders.WithAdminEmail(cfg.Notifier.AdminEmail),
		orders.WithStatusSink(redisx.NewStatusCache(rdb)),
	)
	sched := reconcile.New(svc, redisx.NewLocker(rdb), logger.Named("reconcile"), reconcile.Config{
		Interval:  cfg.Reconcile.Interval,
		BatchSize: cfg.Reconcile.BatchSize,
		LockTTL:   cfg.Reconcile.LockTTL,
	})

	if once {
		rep, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("reconcile pass finished",
			zap.Int("expired", rep.Expired),
			zap.Int("reminded", rep.Reminded),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
		)
		return nil
	}
	return sched.Run(ctx)
}

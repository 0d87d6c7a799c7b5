package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/notify"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName + "-notifier",
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

	// Redis
	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	renderer, err := notify.NewRenderer()
	if err != nil {
		return err
	}

	var mailer notify.Mailer = notify.NewLogMailer(logger.Named("mail"))
	if cfg.Notifier.SMTPAddr != "" {
		smtpMailer, err := notify.NewSMTPMailer(cfg.Notifier.SMTPAddr, cfg.Notifier.SMTPFrom,
			cfg.Notifier.SMTPUsername, cfg.Notifier.SMTPPassword, cfg.Notifier.SMTPTimeout)
		if err != nil {
			return err
		}
		mailer = smtpMailer
	}

	opts := []kafkax.ConsumerOption{
		kafkax.WithRetry(kafkax.RetryPolicy{
			MaxAttempts: cfg.Notifier.MaxAttempts,
			BackoffBase: cfg.Notifier.RetryBackoff,
		}),
	}
	if cfg.Kafka.DeadLetter != "" {
		dlq := kafkax.NewDeadLetterWriter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetter)
		defer dlq.Close()
		opts = append(opts, kafkax.WithDeadLetter(dlq))
	}

	h := notify.NewHandler(redisx.NewDedup(rdb, "notifier"), renderer, mailer, logger.Named("notify"))
	cons := kafkax.NewConsumer(cfg.Kafka.Brokers, cfg.Notifier.Group, cfg.Kafka.OrderEvents, cfg.Notifier.Workers, logger.Named("kafka"), opts...)

	logger.Info("notifier started",
		zap.String("group", cfg.Notifier.Group),
		zap.Bool("smtp", cfg.Notifier.SMTPAddr != ""),
		zap.String("dead_letter", cfg.Kafka.DeadLetter),
	)
	if err := cons.Start(ctx, h.HandleMessage); err != nil {
		return fmt.Errorf("consumer exit: %w", err)
	}
	logger.Info("notifier stopped")
	return nil
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

// Orders is the slice of the order service the scheduler drives.
type Orders interface {
	FindExpired(ctx context.Context, limit int) ([]orders.Order, error)
	FindReminderDue(ctx context.Context, limit int) ([]orders.Order, error)
	CancelExpired(ctx context.Context, o orders.Order) (orders.Order, bool, error)
	SendReminder(ctx context.Context, o orders.Order) (orders.Order, bool, error)
}

// Locker guards a pass across instances. unlock must only release a lock this
// caller still owns.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

var ErrRunInProgress = errors.New("reconcile run already in progress")

const LockKey = "reconcile"

type Config struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
}

type Report struct {
	Expired  int `json:"expired"`
	Reminded int `json:"reminded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type Scheduler struct {
	orders  Orders
	locker  Locker
	logger  *zap.Logger
	cfg     Config
	running atomic.Bool
}

// New builds a scheduler. A nil locker limits overlap protection to this process.
func New(svc Orders, locker Locker, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Scheduler{orders: svc, locker: locker, logger: logger, cfg: cfg}
}

// Run does one pass right away and then one per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting reconcile scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	started := time.Now()
	rep, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("reconcile pass skipped, another pass is still running")
	case err != nil:
		s.logger.Error("reconcile pass failed", zap.Error(err))
	default:
		s.logger.Info("reconcile pass finished",
			zap.Int("expired", rep.Expired),
			zap.Int("reminded", rep.Reminded),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
			zap.Duration("took", time.Since(started)),
		)
	}
}

// RunOnce performs the expiry scan and then the reminder scan. Each order is handled
// on its own; a failure is counted and logged and the batch moves on.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, LockKey, s.cfg.LockTTL)
		if err != nil {
			return Report{}, fmt.Errorf("acquire reconcile lock: %w", err)
		}
		if !ok {
			return Report{}, ErrRunInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release reconcile lock", zap.Error(err))
			}
		}()
	}

	var rep Report
	s.expire(ctx, &rep)
	s.remind(ctx, &rep)
	return rep, nil
}

func (s *Scheduler) expire(ctx context.Context, rep *Report) {
	due, err := s.orders.FindExpired(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("scan expired orders", zap.Error(err))
		return
	}
	for _, o := range due {
		if ctx.Err() != nil {
			return
		}
		_, cancelled, err := s.orders.CancelExpired(ctx, o)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error("cancel expired order", zap.String("order_id", o.ID), zap.Error(err))
		case cancelled:
			rep.Expired++
		default:
			rep.Skipped++
		}
	}
}

func (s *Scheduler) remind(ctx context.Context, rep *Report) {
	due, err := s.orders.FindReminderDue(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("scan reminder-due orders", zap.Error(err))
		return
	}
	for _, o := range due {
		if ctx.Err() != nil {
			return
		}
		_, sent, err := s.orders.SendReminder(ctx, o)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error("send payment reminder", zap.String("order_id", o.ID), zap.Error(err))
		case sent:
			rep.Reminded++
		default:
			rep.Skipped++
		}
	}
}

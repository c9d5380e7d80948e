package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/lock"
	"github.com/iliyamo/club-license-service/internal/metrics"
)

const sweepLockKey = "reservation-sweep"

// Sweeper periodically expires overdue reservations and sales.  The Redis
// lease keeps one instance sweeping at a time; the sweep itself is safe to
// run concurrently.
type Sweeper struct {
	manager  *Manager
	locker   lock.Locker
	interval time.Duration
	log      logrus.FieldLogger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper.  A nil locker disables the lease.
func NewSweeper(m *Manager, locker lock.Locker, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if locker == nil {
		locker = lock.Noop{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  m,
		locker:   locker,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the loop until ctx is done or Stop is called.  Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", fmt.Sprint(r)).Error("panic in reservation sweeper")
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce performs one sweep if the lease is free.
func (s *Sweeper) RunOnce(ctx context.Context) {
	release, err := s.locker.Acquire(ctx, sweepLockKey, s.interval)
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.JobRunsTotal.WithLabelValues("sweep", "skipped").Inc()
		return
	}
	if err != nil {
		// Redis trouble must not stop expiry
		s.log.WithError(err).Warn("sweep lock unavailable, sweeping unguarded")
		release = func() {}
	}
	defer release()

	result := "ok"
	if _, err := s.manager.SweepExpired(ctx); err != nil {
		result = "error"
		s.log.WithError(err).Warn("reservation sweep finished with errors")
	}
	if s.manager.ledger != nil {
		if _, err := s.manager.ledger.ExpireSales(ctx); err != nil {
			result = "error"
			s.log.WithError(err).Warn("sale expiry failed")
		}
	}
	metrics.JobRunsTotal.WithLabelValues("sweep", result).Inc()
}

package accrual

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

const accrualLockKey = "debt-accrual"

// Scheduler runs ProcessAllClubs on an interval, followed by the wallet
// agreement charges when a Charger is set.  Both are safe to run more often
// than monthly; runs with nothing due are no-ops.
type Scheduler struct {
	engine   *Engine
	charger  *Charger
	locker   lock.Locker
	interval time.Duration
	log      logrus.FieldLogger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates a scheduler.  A nil locker disables the lease.
func NewScheduler(e *Engine, locker lock.Locker, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if locker == nil {
		locker = lock.Noop{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		engine:   e,
		locker:   locker,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}, 1),
	}
}

// WithCharger makes every run also request the monthly agreement charges.
func (s *Scheduler) WithCharger(c *Charger) *Scheduler {
	s.charger = c
	return s
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs one accrual immediately, then one per interval, until ctx is
// done or Stop is called.  Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.safeRun(ctx)

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
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", fmt.Sprint(r)).Error("panic in debt accrual")
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce processes all clubs, then the agreement charges, if the lease is
// free.  It returns nil without running when another instance holds the
// lease.
func (s *Scheduler) RunOnce(ctx context.Context) *Summary {
	release, err := s.locker.Acquire(ctx, accrualLockKey, s.interval)
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.JobRunsTotal.WithLabelValues("accrual", "skipped").Inc()
		return nil
	}
	if err != nil {
		s.log.WithError(err).Warn("accrual lock unavailable, running unguarded")
		release = func() {}
	}
	defer release()

	sum, err := s.engine.ProcessAllClubs(ctx)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		s.log.WithError(err).Error("debt accrual run failed")
	case sum.ClubsFailed > 0:
		result = "error"
	}
	metrics.JobRunsTotal.WithLabelValues("accrual", result).Inc()
	if sum != nil {
		s.log.WithFields(logrus.Fields{
			"clubs":    sum.ClubsProcessed,
			"failed":   sum.ClubsFailed,
			"payments": sum.TotalPayments,
			"amount":   sum.TotalAmount,
		}).Info("debt accrual run finished")
	}
	if s.charger != nil {
		s.runCharges(ctx)
	}
	return sum
}

func (s *Scheduler) runCharges(ctx context.Context) {
	sum, err := s.charger.ChargeDue(ctx)
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues("agreement_charges", "error").Inc()
		s.log.WithError(err).Error("agreement charge run failed")
		return
	}
	result := "ok"
	if sum.Failed > 0 {
		result = "error"
	}
	metrics.JobRunsTotal.WithLabelValues("agreement_charges", result).Inc()
	s.log.WithFields(logrus.Fields{
		"charged": sum.Charged,
		"skipped": sum.Skipped,
		"failed":  sum.Failed,
		"amount":  sum.Amount,
	}).Info("agreement charge run finished")
}

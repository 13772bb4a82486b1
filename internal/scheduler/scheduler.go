// Package scheduler runs the periodic intelligence scan.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs a job on a fixed interval. Failures are logged and the
// schedule keeps going; a panic in one run does not take the loop down.
type Scheduler struct {
	interval time.Duration
	job      Job
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	kick    chan struct{}
}

// New creates a Scheduler for the given job and interval.
func New(interval time.Duration, job Job, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the schedule loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("Scheduler is already running")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the schedule and waits for an in-flight run to finish. Safe to
// call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the schedule loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow requests an immediate run outside the schedule. The request is
// coalesced: if a kick is already pending, another one changes nothing.
func (s *Scheduler) RunNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.kick:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled job panicked", zap.Any("panic", r))
		}
	}()

	if err := s.job(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Scheduled job failed", zap.Error(err))
	}
}

// Package jobs runs recurring background work.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of recurring work.
type Job func(ctx context.Context) error

// Fatal marks err as unrecoverable. A job returning it stops the scheduler
// and Start returns the wrapped error instead of retrying on the next tick.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Scheduler runs a job once on start and then every interval until stopped.
// Runs never overlap: a tick that arrives while the job is running is dropped.
type Scheduler struct {
	logger   *zap.Logger
	name     string
	job      Job
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler constructs a background job that runs periodically.
func NewScheduler(logger *zap.Logger, name string, interval time.Duration, job Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:   logger,
		name:     name,
		job:      job,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks, running the job immediately and then on every tick. It
// returns nil when stopped or cancelled, and the job's error when the job
// reports it as Fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	s.logger.Info("scheduler.started", zap.String("job", s.name), zap.Duration("interval", s.interval))
	if err := s.runOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				return err
			}
		case <-s.stopCh:
			s.logger.Info("scheduler.stopped (manual stop)", zap.String("job", s.name))
			return nil
		case <-ctx.Done():
			s.logger.Info("scheduler.stopped (context canceled)", zap.String("job", s.name))
			return nil
		}
	}
}

// Stop halts the loop after the current run. A stopped scheduler does not start again.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	start := time.Now()
	s.logger.Info("scheduler.running", zap.String("job", s.name))

	if err := s.job(ctx); err != nil {
		var fatal *fatalError
		if errors.As(err, &fatal) {
			s.logger.Error("scheduler.stopped (fatal)", zap.String("job", s.name), zap.Error(fatal.err))
			s.Stop()
			return fatal.err
		}
		s.logger.Error("scheduler.run_failed", zap.String("job", s.name), zap.Error(err))
		return nil
	}
	s.logger.Info("scheduler.success", zap.String("job", s.name), zap.Duration("duration", time.Since(start)))
	return nil
}

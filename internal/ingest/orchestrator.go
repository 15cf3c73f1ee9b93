// Package ingest drives a historical ingestion run end to end.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/fetch"
	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/internal/planner"
	"github.com/Checker-Finance/kite-ingest/internal/store"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// State is the orchestrator lifecycle. A run has no failed state: task
// failures end up in the summary and the run still reaches StateDone.
type State int32

const (
	StateIdle State = iota
	StatePlanning
	StateFetching
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Target is one instrument to backfill from From up to the run's end.
type Target struct {
	Symbol string
	Token  int64
	From   time.Time
}

// Runner executes fetch tasks; *fetch.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, tasks []model.FetchTask) <-chan fetch.Outcome
}

type Normalizer interface {
	Normalize(candles []model.Candle, symbol string) ([]model.NormalizedRow, error)
}

type Appender interface {
	Append(ctx context.Context, table string, rows []model.NormalizedRow) (int64, error)
}

// Notifier announces finished runs.
type Notifier interface {
	PublishRunSummary(ctx context.Context, summary *model.RunSummary) error
}

type Config struct {
	Interval model.Interval
	// To is the inclusive end of every target's range; zero means the run's start time.
	To    time.Time
	Table string
	Spans planner.SpanTable
	// PersistWorkers normalize and write outcomes concurrently.
	PersistWorkers int
	// AcquireRetries bounds retries of a write whose connection could not be acquired.
	AcquireRetries int
	AcquireBackoff time.Duration
}

// Orchestrator plans, fetches and persists one run at a time.
type Orchestrator struct {
	runner     Runner
	normalizer Normalizer
	sink       Appender
	notifier   Notifier
	cfg        Config
	logger     *zap.Logger

	state     atomic.Int32
	total     atomic.Int64
	completed atomic.Int64
	last      atomic.Pointer[model.RunSummary]
}

func New(runner Runner, normalizer Normalizer, sink Appender, notifier Notifier, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Spans == nil {
		cfg.Spans = planner.DefaultSpans
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 2
	}
	if cfg.AcquireBackoff <= 0 {
		cfg.AcquireBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		runner:     runner,
		normalizer: normalizer,
		sink:       sink,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	metrics.RunState.Set(float64(s))
	o.logger.Info("ingest.state", zap.String("state", s.String()))
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Progress reports completed and total fetch tasks of the current run.
func (o *Orchestrator) Progress() (completed, total int64) {
	return o.completed.Load(), o.total.Load()
}

// LastSummary is the summary of the most recent finished run, or nil.
func (o *Orchestrator) LastSummary() *model.RunSummary { return o.last.Load() }

// plan expands targets into tasks. An unknown interval aborts the run; a
// target whose start is not before the end date is skipped.
func (o *Orchestrator) plan(targets []Target, to time.Time, tally *tally) ([]model.FetchTask, error) {
	var tasks []model.FetchTask
	for _, t := range targets {
		tally.register(t)
		windows, err := planner.Plan(t.From, to, o.cfg.Interval, o.cfg.Spans)
		if err != nil {
			var unknown *planner.UnknownIntervalError
			if errors.As(err, &unknown) {
				return nil, err
			}
			o.logger.Warn("ingest.target_skipped", zap.String("symbol", t.Symbol), zap.Error(err))
			continue
		}
		tally.windows(t.Token, len(windows))
		for _, w := range windows {
			tasks = append(tasks, model.FetchTask{Token: t.Token, Symbol: t.Symbol, Window: w, Interval: o.cfg.Interval})
		}
	}
	return tasks, nil
}

// Run backfills targets and returns the run summary. The only errors are
// fatal configuration problems found while planning; per-window failures are
// reported in the summary.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) (*model.RunSummary, error) {
	runID := uuid.New()
	logger := o.logger.With(zap.String("run_id", runID.String()))
	started := time.Now().UTC()
	o.completed.Store(0)
	o.total.Store(0)

	o.setState(StatePlanning)
	tally := newTally()
	to := o.cfg.To
	if to.IsZero() {
		to = started
	}
	tasks, err := o.plan(targets, to, tally)
	if err != nil {
		o.setState(StateIdle)
		return nil, fmt.Errorf("plan: %w", err)
	}
	o.total.Store(int64(len(tasks)))
	logger.Info("ingest.planned",
		zap.Int("targets", len(targets)),
		zap.Int("tasks", len(tasks)),
		zap.String("interval", string(o.cfg.Interval)),
		zap.String("table", o.cfg.Table))

	o.setState(StateFetching)
	outcomes := o.runner.Run(ctx, tasks)

	// Persisting already fetched data is not interrupted by shutdown.
	persistCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.PersistWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for oc := range outcomes {
				o.handle(persistCtx, logger, oc, tally)
				o.completed.Add(1)
			}
		}()
	}
	wg.Wait()

	summary := tally.summary(runID, o.cfg.Interval, o.cfg.Table, started)
	o.last.Store(summary)
	o.setState(StateDone)
	metrics.SetLastRun(string(o.cfg.Interval), summary.FinishedAt)
	o.report(logger, summary)

	if o.notifier != nil {
		if err := o.notifier.PublishRunSummary(persistCtx, summary); err != nil {
			logger.Warn("ingest.summary_publish_failed", zap.Error(err))
		}
	}
	return summary, nil
}

func (o *Orchestrator) handle(ctx context.Context, logger *zap.Logger, oc fetch.Outcome, tally *tally) {
	task := oc.Task
	switch oc.Status {
	case fetch.StatusEmpty:
		logger.Info("ingest.no_data", zap.String("symbol", task.Symbol), zap.Stringer("window", task.Window))
		tally.empty(task)
		return
	case fetch.StatusFailed:
		tally.failed(task, oc.Err)
		return
	}

	rows, err := o.normalizer.Normalize(oc.Candles, task.Symbol)
	if err != nil {
		logger.Error("ingest.normalize_failed", zap.String("symbol", task.Symbol), zap.Stringer("window", task.Window), zap.Error(err))
		metrics.IncError("ingest", "normalize_failed")
		tally.failed(task, err)
		return
	}

	n, err := o.appendWithRetry(ctx, logger, task, rows)
	if err != nil {
		logger.Error("ingest.persist_failed", zap.String("symbol", task.Symbol), zap.Stringer("window", task.Window), zap.Error(err))
		tally.failed(task, err)
		return
	}
	logger.Info("ingest.inserted", zap.String("symbol", task.Symbol), zap.Stringer("window", task.Window), zap.Int64("rows", n))
	tally.succeeded(task, n)
}

// appendWithRetry retries only connection acquisition failures: nothing was
// written, so a retry cannot duplicate rows.
func (o *Orchestrator) appendWithRetry(ctx context.Context, logger *zap.Logger, task model.FetchTask, rows []model.NormalizedRow) (int64, error) {
	for attempt := 0; ; attempt++ {
		n, err := o.sink.Append(ctx, o.cfg.Table, rows)
		var perr *store.PersistenceError
		if err == nil || !errors.As(err, &perr) || perr.Op != store.OpAcquire || attempt >= o.cfg.AcquireRetries {
			return n, err
		}
		wait := o.cfg.AcquireBackoff << attempt
		logger.Warn("ingest.acquire_retry",
			zap.String("symbol", task.Symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		time.Sleep(wait)
	}
}

func (o *Orchestrator) report(logger *zap.Logger, s *model.RunSummary) {
	for _, f := range s.Failures {
		logger.Warn("ingest.failed_window",
			zap.String("symbol", f.Symbol),
			zap.Stringer("window", f.Window),
			zap.String("reason", f.Reason))
	}
	logger.Info("ingest.run_completed",
		zap.Int("instruments", len(s.Instruments)),
		zap.Int("failed_windows", len(s.Failures)),
		zap.Int("empty_windows", len(s.NoData)),
		zap.Int64("total_rows", s.TotalRows),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)))
}

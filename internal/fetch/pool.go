// Package fetch runs historical fetch tasks concurrently under a shared rate limit.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// DefaultWorkers is the number of fetches in flight at once.
const DefaultWorkers = 6

// Status classifies a finished task.
type Status int

const (
	StatusSucceeded Status = iota
	StatusEmpty
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusEmpty:
		return "empty"
	default:
		return "failed"
	}
}

// ErrNotSuccess marks a response whose status was not "success".
var ErrNotSuccess = errors.New("fetch: broker returned non-success status")

// Outcome is the result of one FetchTask.
type Outcome struct {
	Task     model.FetchTask
	Status   Status
	Candles  []model.Candle
	Err      error
	Duration time.Duration
}

// Fetcher is the part of a broker the pool calls.
type Fetcher interface {
	FetchHistorical(ctx context.Context, req broker.HistoricalRequest) (*broker.HistoricalResponse, error)
}

// Waiter is a rate gate; *rate.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

type Options struct {
	Workers int
	// TaskTimeout bounds one broker call; zero means no bound.
	TaskTimeout time.Duration
	Continuous  bool
	OI          bool
}

// Pool executes fetch tasks with bounded concurrency.
type Pool struct {
	fetcher Fetcher
	limiter Waiter
	opts    Options
	logger  *zap.Logger
}

func NewPool(fetcher Fetcher, limiter Waiter, opts Options, logger *zap.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{fetcher: fetcher, limiter: limiter, opts: opts, logger: logger}
}

// Run executes tasks and streams one Outcome per task, in completion order.
// The channel is closed after the last outcome. A failing task never
// affects its siblings. Cancelling ctx stops dispatch: tasks not yet started
// are reported failed with the context error, while calls already in flight
// run to completion.
func (p *Pool) Run(ctx context.Context, tasks []model.FetchTask) <-chan Outcome {
	out := make(chan Outcome, len(tasks))

	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(p.opts.Workers)

		for i, task := range tasks {
			if ctx.Err() != nil {
				p.skip(ctx, tasks[i:], out)
				break
			}
			g.Go(func() error {
				out <- p.execute(ctx, task)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

func (p *Pool) skip(ctx context.Context, tasks []model.FetchTask, out chan<- Outcome) {
	p.logger.Warn("fetch.dispatch_stopped", zap.Int("skipped", len(tasks)), zap.Error(ctx.Err()))
	for _, t := range tasks {
		out <- Outcome{Task: t, Status: StatusFailed, Err: ctx.Err()}
		metrics.IncFetchOutcome(string(t.Interval), StatusFailed.String())
	}
}

func (p *Pool) execute(ctx context.Context, task model.FetchTask) (o Outcome) {
	start := time.Now()
	o.Task = task

	defer func() {
		if r := recover(); r != nil {
			o.Status = StatusFailed
			o.Candles = nil
			o.Err = fmt.Errorf("fetch: panic: %v", r)
		}
		o.Duration = time.Since(start)
		metrics.IncFetchOutcome(string(task.Interval), o.Status.String())
		p.log(o)
	}()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			o.Status, o.Err = StatusFailed, fmt.Errorf("rate limit wait: %w", err)
			return o
		}
	}

	// Once admitted, the call is not interrupted by shutdown.
	callCtx := context.WithoutCancel(ctx)
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.opts.TaskTimeout)
		defer cancel()
	}

	resp, err := p.fetcher.FetchHistorical(callCtx, broker.HistoricalRequest{
		Token:      task.Token,
		Interval:   task.Interval,
		From:       task.Window.Start,
		To:         task.Window.End,
		Continuous: p.opts.Continuous,
		OI:         p.opts.OI,
	})
	switch {
	case err != nil:
		o.Status, o.Err = StatusFailed, err
	case resp == nil || resp.Status != broker.StatusSuccess:
		o.Status, o.Err = StatusFailed, ErrNotSuccess
	case len(resp.Candles) == 0:
		o.Status = StatusEmpty
	default:
		o.Status, o.Candles = StatusSucceeded, resp.Candles
	}
	return o
}

func (p *Pool) log(o Outcome) {
	fields := []zap.Field{
		zap.Int64("token", o.Task.Token),
		zap.String("symbol", o.Task.Symbol),
		zap.Time("from", o.Task.Window.Start),
		zap.Time("to", o.Task.Window.End),
		zap.Duration("elapsed", o.Duration),
	}
	switch o.Status {
	case StatusSucceeded:
		p.logger.Debug("fetch.task_succeeded", append(fields, zap.Int("candles", len(o.Candles)))...)
	case StatusEmpty:
		p.logger.Info("fetch.no_data", fields...)
	default:
		metrics.IncError("fetch", "task_failed")
		p.logger.Error("fetch.task_failed", append(fields, zap.Error(o.Err))...)
	}
}

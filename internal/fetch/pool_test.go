package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/rate"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

type fakeFetcher struct {
	fn       func(ctx context.Context, req broker.HistoricalRequest) (*broker.HistoricalResponse, error)
	inflight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeFetcher) FetchHistorical(ctx context.Context, req broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return f.fn(ctx, req)
}

func ok(candles int) *broker.HistoricalResponse {
	resp := &broker.HistoricalResponse{Status: broker.StatusSuccess}
	for i := 0; i < candles; i++ {
		resp.Candles = append(resp.Candles, model.Candle{Timestamp: "2024-01-01T09:15:00+0530"})
	}
	return resp
}

func tasks(n int) []model.FetchTask {
	out := make([]model.FetchTask, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = model.FetchTask{
			Token:    int64(i + 1),
			Symbol:   "SYM",
			Interval: model.IntervalDay,
			Window:   model.DateWindow{Start: start, End: start.Add(24 * time.Hour)},
		}
	}
	return out
}

func collect(ch <-chan Outcome) map[int64]Outcome {
	got := make(map[int64]Outcome)
	for o := range ch {
		got[o.Task.Token] = o
	}
	return got
}

// ─── Isolation ───────────────────────────────────────────────────────────────

func TestRun_IsolatesFailures(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, req broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		switch req.Token {
		case 1:
			return ok(3), nil
		case 2:
			return ok(0), nil
		case 3:
			return nil, errors.New("connection reset")
		case 4:
			return &broker.HistoricalResponse{Status: "error"}, nil
		case 5:
			panic("boom")
		}
		return ok(1), nil
	}}

	pool := NewPool(f, nil, Options{Workers: 3}, zap.NewNop())
	got := collect(pool.Run(context.Background(), tasks(6)))

	require.Len(t, got, 6)
	assert.Equal(t, StatusSucceeded, got[1].Status)
	assert.Len(t, got[1].Candles, 3)
	assert.Equal(t, StatusEmpty, got[2].Status)
	assert.NoError(t, got[2].Err)
	assert.Equal(t, StatusFailed, got[3].Status)
	assert.ErrorContains(t, got[3].Err, "connection reset")
	assert.Equal(t, StatusFailed, got[4].Status)
	assert.ErrorIs(t, got[4].Err, ErrNotSuccess)
	assert.Equal(t, StatusFailed, got[5].Status)
	assert.ErrorContains(t, got[5].Err, "panic")
	assert.Equal(t, StatusSucceeded, got[6].Status)
}

func TestRun_PassesRequestFields(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []broker.HistoricalRequest
	)
	f := &fakeFetcher{fn: func(_ context.Context, req broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return ok(1), nil
	}}
	ts := tasks(1)
	collect(NewPool(f, nil, Options{OI: true, Continuous: true}, nil).Run(context.Background(), ts))

	require.Len(t, seen, 1)
	assert.Equal(t, ts[0].Window.Start, seen[0].From)
	assert.Equal(t, ts[0].Window.End, seen[0].To)
	assert.Equal(t, model.IntervalDay, seen[0].Interval)
	assert.True(t, seen[0].OI)
	assert.True(t, seen[0].Continuous)
}

// ─── Concurrency and rate ────────────────────────────────────────────────────

func TestRun_BoundsConcurrency(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return ok(1), nil
	}}

	got := collect(NewPool(f, nil, Options{Workers: 2}, nil).Run(context.Background(), tasks(8)))
	assert.Len(t, got, 8)
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestRun_DefaultWorkers(t *testing.T) {
	p := NewPool(&fakeFetcher{}, nil, Options{}, nil)
	assert.Equal(t, DefaultWorkers, p.opts.Workers)
}

func TestRun_GatedByLimiter(t *testing.T) {
	period := 50 * time.Millisecond
	lim := rate.New(rate.Config{Calls: 3, Period: period})
	f := &fakeFetcher{fn: func(context.Context, broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		return ok(1), nil
	}}

	start := time.Now()
	got := collect(NewPool(f, lim, Options{Workers: 6}, nil).Run(context.Background(), tasks(10)))
	elapsed := time.Since(start)

	assert.Len(t, got, 10)
	assert.GreaterOrEqual(t, elapsed, 3*period)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestRun_CancelledBeforeStartReportsEveryTask(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		return ok(1), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := collect(NewPool(f, nil, Options{}, nil).Run(ctx, tasks(5)))
	require.Len(t, got, 5)
	for _, o := range got {
		assert.Equal(t, StatusFailed, o.Status)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestRun_InFlightCallSurvivesCancel(t *testing.T) {
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, _ broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ok(2), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewPool(f, nil, Options{Workers: 1}, nil).Run(ctx, tasks(1))
	<-started
	cancel()

	got := collect(ch)
	assert.Equal(t, StatusSucceeded, got[1].Status)
}

func TestRun_TaskTimeout(t *testing.T) {
	f := &fakeFetcher{fn: func(ctx context.Context, _ broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	got := collect(NewPool(f, nil, Options{TaskTimeout: 20 * time.Millisecond}, nil).Run(context.Background(), tasks(2)))
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, StatusFailed, o.Status)
		assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
	}
}

func TestRun_NoTasks(t *testing.T) {
	got := collect(NewPool(&fakeFetcher{}, nil, Options{}, nil).Run(context.Background(), nil))
	assert.Empty(t, got)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "empty", StatusEmpty.String())
	assert.Equal(t, "failed", StatusFailed.String())
}

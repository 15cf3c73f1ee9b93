package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// tally accumulates per-instrument results from concurrent persist workers.
type tally struct {
	mu       sync.Mutex
	order    []int64
	stats    map[int64]*model.InstrumentRunStats
	failures []model.WindowReport
	noData   []model.WindowReport
	rows     int64
}

func newTally() *tally {
	return &tally{stats: make(map[int64]*model.InstrumentRunStats)}
}

func (t *tally) register(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.stats[target.Token]; ok {
		return
	}
	t.order = append(t.order, target.Token)
	t.stats[target.Token] = &model.InstrumentRunStats{Symbol: target.Symbol, Token: target.Token}
}

func (t *tally) windows(token int64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats[token].Windows += n
}

func (t *tally) succeeded(task model.FetchTask, rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats[task.Token]
	s.Succeeded++
	s.Rows += rows
	t.rows += rows
}

func (t *tally) empty(task model.FetchTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats[task.Token].Empty++
	t.noData = append(t.noData, model.WindowReport{Symbol: task.Symbol, Token: task.Token, Window: task.Window})
}

func (t *tally) failed(task model.FetchTask, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats[task.Token].Failed++
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	t.failures = append(t.failures, model.WindowReport{Symbol: task.Symbol, Token: task.Token, Window: task.Window, Reason: reason})
}

func sortReports(r []model.WindowReport) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Symbol != r[j].Symbol {
			return r[i].Symbol < r[j].Symbol
		}
		return r[i].Window.Start.Before(r[j].Window.Start)
	})
}

func (t *tally) summary(runID uuid.UUID, interval model.Interval, table string, started time.Time) *model.RunSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &model.RunSummary{
		RunID:      runID,
		Interval:   interval,
		Table:      table,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Failures:   append([]model.WindowReport(nil), t.failures...),
		NoData:     append([]model.WindowReport(nil), t.noData...),
		TotalRows:  t.rows,
	}
	for _, tok := range t.order {
		s.Instruments = append(s.Instruments, *t.stats[tok])
	}
	sortReports(s.Failures)
	sortReports(s.NoData)
	return s
}

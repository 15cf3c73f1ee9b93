// Package planner splits a date range into windows the historical endpoint accepts.
package planner

import (
	"fmt"
	"time"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// SpanTable maps an interval to the longest range, in days, one request may cover.
type SpanTable map[model.Interval]int

// DefaultSpans are the broker's documented per-request limits.
var DefaultSpans = SpanTable{
	model.IntervalMinute:   60,
	model.Interval3Minute:  100,
	model.Interval5Minute:  100,
	model.Interval10Minute: 100,
	model.Interval15Minute: 200,
	model.Interval30Minute: 200,
	model.Interval60Minute: 400,
	model.IntervalDay:      2000,
}

// windowGap separates the end of one window from the start of the next.
const windowGap = time.Second

// UnknownIntervalError is returned when the span table has no entry for an interval.
type UnknownIntervalError struct {
	Interval model.Interval
}

func (e *UnknownIntervalError) Error() string {
	return fmt.Sprintf("planner: unknown interval %q", string(e.Interval))
}

// Plan partitions [from, to] into consecutive windows no longer than the
// interval's span. from == to yields no windows.
func Plan(from, to time.Time, interval model.Interval, spans SpanTable) ([]model.DateWindow, error) {
	days, ok := spans[interval]
	if !ok {
		return nil, &UnknownIntervalError{Interval: interval}
	}
	if days <= 0 {
		return nil, fmt.Errorf("planner: span for %s must be positive, got %d", interval, days)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("planner: to %s precedes from %s", to.Format(time.DateTime), from.Format(time.DateTime))
	}

	span := time.Duration(days) * 24 * time.Hour
	var windows []model.DateWindow
	for start := from; start.Before(to); {
		end := start.Add(span)
		if end.After(to) {
			end = to
		}
		windows = append(windows, model.DateWindow{Start: start, End: end})
		start = end.Add(windowGap)
	}
	return windows, nil
}

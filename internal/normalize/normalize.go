// Package normalize turns raw broker candles into persisted rows.
package normalize

import (
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// KiteTimestampLayout is the offset form the historical endpoint emits,
// e.g. 2017-12-15T09:15:00+0530.
const KiteTimestampLayout = "2006-01-02T15:04:05-0700"

// DefaultZone is the exchange-local zone rows are expressed in.
const DefaultZone = "Asia/Kolkata"

// MalformedCandleError reports a candle whose timestamp could not be parsed.
type MalformedCandleError struct {
	Index     int
	Timestamp string
	Err       error
}

func (e *MalformedCandleError) Error() string {
	return fmt.Sprintf("normalize: candle %d has malformed timestamp %q: %v", e.Index, e.Timestamp, e.Err)
}

func (e *MalformedCandleError) Unwrap() error { return e.Err }

// Normalizer converts candles into rows in a fixed zone.
type Normalizer struct {
	loc *time.Location
}

// New returns a Normalizer for the named IANA zone.
func New(zone string) (*Normalizer, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("normalize: load zone %q: %w", zone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// Location is the canonical zone of produced rows.
func (n *Normalizer) Location() *time.Location { return n.loc }

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(KiteTimestampLayout, s)
	if err == nil {
		return t, nil
	}
	if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
		return t2, nil
	}
	return time.Time{}, err
}

// Normalize attaches symbol to each candle and returns rows ordered by time.
// Any malformed timestamp rejects the whole batch.
func (n *Normalizer) Normalize(candles []model.Candle, symbol string) ([]model.NormalizedRow, error) {
	rows := make([]model.NormalizedRow, 0, len(candles))
	for i, c := range candles {
		ts, err := parseTimestamp(c.Timestamp)
		if err != nil {
			return nil, &MalformedCandleError{Index: i, Timestamp: c.Timestamp, Err: err}
		}
		local := ts.In(n.loc)
		y, m, d := local.Date()
		date := time.Date(y, m, d, 0, 0, 0, 0, n.loc)

		rows = append(rows, model.NormalizedRow{
			TradingSymbol: symbol,
			DateTime:      local,
			Date:          date,
			Time:          local.Sub(date),
			Open:          c.Open,
			High:          c.High,
			Low:           c.Low,
			Close:         c.Close,
			Volume:        c.Volume,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].DateTime.Before(rows[j].DateTime) })
	return rows, nil
}

package model

import (
	"fmt"
	"time"
)

// Candle is one raw OHLCV bar as returned by the broker.
type Candle struct {
	Timestamp string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	OI        *int64
}

// NormalizedRow is the persisted shape of a candle.
// DateTime is in the canonical zone; Date and Time are derived from it.
type NormalizedRow struct {
	TradingSymbol string
	DateTime      time.Time
	Date          time.Time
	Time          time.Duration
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
}

// DateWindow is a closed fetch range [Start, End].
type DateWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w DateWindow) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(time.DateTime), w.End.Format(time.DateTime))
}

// FetchTask is one instrument-window pair handed to the fetch pool.
type FetchTask struct {
	Token    int64
	Symbol   string
	Window   DateWindow
	Interval Interval
}

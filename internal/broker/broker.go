// Package broker defines the boundary to a market-data provider.
package broker

import (
	"context"
	"time"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// StatusSuccess is the response status of a successful historical call.
const StatusSuccess = "success"

// HistoricalRequest asks for candles of one instrument over one window.
type HistoricalRequest struct {
	Token      int64
	Interval   model.Interval
	From       time.Time
	To         time.Time
	Continuous bool
	OI         bool
}

// HistoricalResponse carries the provider status and candles.
// A success with no candles means the window had no trading.
type HistoricalResponse struct {
	Status  string
	Candles []model.Candle
}

// Broker is everything ingestion needs from a provider.
type Broker interface {
	FetchHistorical(ctx context.Context, req HistoricalRequest) (*HistoricalResponse, error)
	ListInstruments(ctx context.Context) ([]model.RawInstrument, error)
}

// Session holds the credentials an authenticated broker call needs.
type Session struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
}

func (s Session) Valid() bool { return s.APIKey != "" && s.AccessToken != "" }

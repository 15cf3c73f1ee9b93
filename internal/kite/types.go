package kite

import (
	"encoding/json"
	"fmt"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// APIError is a non-retryable error response from Kite Connect.
type APIError struct {
	HTTPStatus int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("kite: %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("kite: %d %s: %s", e.HTTPStatus, e.ErrorType, e.Message)
}

type errorBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func parseError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Message == "" {
		return &APIError{HTTPStatus: status, Message: string(body)}
	}
	return &APIError{HTTPStatus: status, ErrorType: eb.ErrorType, Message: eb.Message}
}

// historicalEnvelope is the body of /instruments/historical.
type historicalEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Candles []candleRow `json:"candles"`
	} `json:"data"`
}

// candleRow decodes the positional [ts, o, h, l, c, v(, oi)] array.
type candleRow model.Candle

func (c *candleRow) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if len(fields) < 6 {
		return fmt.Errorf("kite: candle has %d fields, want at least 6", len(fields))
	}
	if err := json.Unmarshal(fields[0], &c.Timestamp); err != nil {
		return fmt.Errorf("kite: candle timestamp: %w", err)
	}
	for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close} {
		if err := json.Unmarshal(fields[i+1], dst); err != nil {
			return fmt.Errorf("kite: candle field %d: %w", i+1, err)
		}
	}
	var vol float64
	if err := json.Unmarshal(fields[5], &vol); err != nil {
		return fmt.Errorf("kite: candle volume: %w", err)
	}
	c.Volume = int64(vol)
	if len(fields) > 6 {
		var oi float64
		if err := json.Unmarshal(fields[6], &oi); err != nil {
			return fmt.Errorf("kite: candle oi: %w", err)
		}
		v := int64(oi)
		c.OI = &v
	}
	return nil
}

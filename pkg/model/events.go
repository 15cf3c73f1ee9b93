package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the event envelope used for everything this service publishes.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Source        string          `json:"source"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload under eventType. runID becomes the correlation id.
func NewEnvelope(source, topic, eventType string, runID uuid.UUID, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: runID,
		Source:        source,
		Topic:         topic,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// InstrumentRunStats is the per-instrument tally of one ingestion run.
type InstrumentRunStats struct {
	Symbol    string `json:"tradingsymbol"`
	Token     int64  `json:"instrument_token"`
	Windows   int    `json:"windows"`
	Succeeded int    `json:"succeeded"`
	Empty     int    `json:"empty"`
	Failed    int    `json:"failed"`
	Rows      int64  `json:"rows"`
}

// WindowReport identifies a window that produced no rows, with the reason.
type WindowReport struct {
	Symbol string     `json:"tradingsymbol"`
	Token  int64      `json:"instrument_token"`
	Window DateWindow `json:"window"`
	Reason string     `json:"reason,omitempty"`
}

// RunSummary is the final report of an ingestion run.
type RunSummary struct {
	RunID       uuid.UUID            `json:"run_id"`
	Interval    Interval             `json:"interval"`
	Table       string               `json:"table"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Instruments []InstrumentRunStats `json:"instruments"`
	Failures    []WindowReport       `json:"failures"`
	NoData      []WindowReport       `json:"no_data"`
	TotalRows   int64                `json:"total_rows"`
}

// FailedWindows is the number of windows that did not complete.
func (s *RunSummary) FailedWindows() int { return len(s.Failures) }

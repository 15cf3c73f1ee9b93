// Package publisher announces finished ingestion runs on the message bus.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/logger"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

const (
	// TopicRunCompleted is the default subject of run summaries.
	TopicRunCompleted = "evt.ingest.run_completed.v1"
	EventRunCompleted = "ingest.run_completed"

	transportNATS = "nats"
)

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher writes envelopes to a JetStream subject.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	subject string
	service string
}

// New creates a Publisher on nc's JetStream context.
func New(nc *nats.Conn, subject, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return newWithJetStream(nc, js, subject, service), nil
}

func newWithJetStream(nc *nats.Conn, js jetStream, subject, service string) *Publisher {
	if subject == "" {
		subject = TopicRunCompleted
	}
	return &Publisher{nc: nc, js: js, subject: subject, service: service}
}

// PublishEnvelope serializes env and publishes it. An empty subject means
// the publisher's default.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	if subject == "" {
		subject = p.subject
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.PublishLatency, start, transportNATS)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncPublish(transportNATS, "error")
		return err
	}

	logger.S().Infow("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
		"correlation_id", env.CorrelationID.String(),
	)
	metrics.IncPublish(transportNATS, "ok")
	return nil
}

// PublishRunSummary emits an ingest.run_completed event correlated by run id.
func (p *Publisher) PublishRunSummary(ctx context.Context, summary *model.RunSummary) error {
	env, err := model.NewEnvelope(p.service, p.subject, EventRunCompleted, summary.RunID, summary)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	return p.PublishEnvelope(ctx, p.subject, env)
}

// Connected reports whether the underlying connection is up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}

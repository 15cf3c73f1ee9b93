package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

const transportAMQP = "amqp"

// DefaultExchange is the fanout exchange run summaries are sent to.
const DefaultExchange = "kite.ingest"

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends run summaries to a RabbitMQ fanout exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	service  string
	logger   *zap.Logger
}

// NewAMQP dials url and declares a durable fanout exchange.
func NewAMQP(url, exchange, service string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := newAMQPWithChannel(channel, exchange, service, logger)
	p.conn = conn
	return p, nil
}

func newAMQPWithChannel(ch amqpChannel, exchange, service string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, service: service, logger: logger}
}

// PublishRunSummary emits an ingest.run_completed envelope as a persistent message.
func (p *AMQPPublisher) PublishRunSummary(ctx context.Context, summary *model.RunSummary) error {
	env, err := model.NewEnvelope(p.service, TopicRunCompleted, EventRunCompleted, summary.RunID, summary)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	start := time.Now()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		TopicRunCompleted, // routing key, ignored by fanout
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID.String(),
			CorrelationId: env.CorrelationID.String(),
			Type:          env.EventType,
			AppId:         p.service,
			Timestamp:     env.Timestamp,
			Body:          body,
		},
	)
	metrics.ObserveDuration(metrics.PublishLatency, start, transportAMQP)
	if err != nil {
		p.logger.Error("publisher.amqp_publish_failed", zap.String("exchange", p.exchange), zap.Error(err))
		metrics.IncPublish(transportAMQP, "error")
		return err
	}

	p.logger.Info("publisher.amqp_publish_success",
		zap.String("exchange", p.exchange),
		zap.String("run_id", summary.RunID.String()))
	metrics.IncPublish(transportAMQP, "ok")
	return nil
}

// Close closes the channel and then the connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

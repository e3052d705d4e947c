package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// ProducerConfig is the recognized producer option surface. Zero values fall
// back to production defaults (acks=all, 3 attempts, lz4, 30s timeout).
type ProducerConfig struct {
	Brokers        string
	ClientID       string
	Acks           string // none | leader | all
	MaxAttempts    int
	Compression    string // none | gzip | snappy | lz4 | zstd
	RequestTimeout time.Duration
}

// Publisher serializes events and writes them to the broker under the
// event's type as topic. It is safe for concurrent use and owns no state
// beyond the writer; publishing never blocks on consumers.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(logger *slog.Logger, cfg ProducerConfig) (*Publisher, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	registerMetrics()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: parseAcks(cfg.Acks),
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  parseCompression(cfg.Compression),
		WriteTimeout: cfg.RequestTimeout,
		BatchTimeout: 10 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	logger.Info("event publisher initialized", "brokers", brokers, "acks", cfg.Acks)
	return &Publisher{writer: writer, logger: logger}, nil
}

// Publish sends the event keyed by its event id.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	return p.PublishKeyed(ctx, evt.EventID(), evt)
}

// PublishKeyed sends the event with a caller-supplied partition affinity key
// (typically an aggregate id when per-entity ordering matters). The error
// returned is terminal: the client library has already exhausted its
// retries.
func (p *Publisher) PublishKeyed(ctx context.Context, key string, evt Event) error {
	msg, err := newMessage(ctx, key, evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		publishFailures.WithLabelValues(msg.Topic).Inc()
		p.logger.Error("event publish failed",
			"topic", msg.Topic, "event_id", evt.EventID(), "err", err)
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	eventsPublished.WithLabelValues(msg.Topic).Inc()
	p.logger.Debug("event published", "topic", msg.Topic, "event_id", evt.EventID())
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func newMessage(ctx context.Context, key string, evt Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	msg := kafka.Message{
		Topic:   evt.EventType(),
		Key:     []byte(key),
		Value:   value,
		Headers: kafkax.EventHeaders(evt.EventID(), evt.EventType(), evt.OccurredAt()),
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return msg, nil
}

func parseAcks(acks string) kafka.RequiredAcks {
	switch strings.ToLower(acks) {
	case "none", "0":
		return kafka.RequireNone
	case "leader", "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

func parseCompression(c string) kafka.Compression {
	switch strings.ToLower(c) {
	case "none":
		return 0
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Lz4
	}
}

package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emis-edu/emis/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConsumerConfig is the recognized consumer option surface. Offsets are
// always committed explicitly after successful processing; there is no
// auto-commit mode.
type ConsumerConfig struct {
	Brokers          string
	GroupID          string
	ClientID         string
	AutoOffsetReset  string        // earliest | latest
	MaxWait          time.Duration // poll timeout; expiry with no records is a no-op cycle
	SocketTimeout    time.Duration
	MaxDeliveries    int           // in-place delivery attempts before dead-lettering
	RetryBackoff     time.Duration // wait between delivery attempts
	DeadLetterSuffix string        // appended to the source topic; empty disables the DLQ
}

// fetcher is the slice of kafka.Reader the runtime depends on.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type deadLetterFunc func(ctx context.Context, msg kafka.Message, reason string) error

// Consumer is the long-lived poll/process/commit loop. One instance runs a
// single goroutine; horizontal scaling is done by running more instances in
// the same consumer group. The commit position advances only after a record
// is fully processed or deliberately dead-lettered, giving at-least-once
// delivery.
type Consumer struct {
	reader     fetcher
	registry   *Registry
	logger     *slog.Logger
	cfg        ConsumerConfig
	deadLetter deadLetterFunc
	dlqWriter  *kafka.Writer
}

func NewConsumer(logger *slog.Logger, registry *Registry, cfg ConsumerConfig) (*Consumer, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group id not configured")
	}
	topics := registry.Topics()
	if len(topics) == 0 {
		return nil, errors.New("no topics registered; register event types before starting the consumer")
	}
	applyConsumerDefaults(&cfg)

	registerMetrics()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: topics,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   cfg.SocketTimeout,
			DualStack: true,
		},
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     cfg.MaxWait,
		StartOffset: parseStartOffset(cfg.AutoOffsetReset),
		// CommitInterval zero keeps commits synchronous; the runtime decides
		// when a record's position may advance.
		CommitInterval: 0,
	})

	c := &Consumer{
		reader:   reader,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.DeadLetterSuffix != "" {
		c.dlqWriter = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
		c.deadLetter = c.produceDeadLetter
	}
	logger.Info("consumer subscribing", "group_id", cfg.GroupID, "topics", topics)
	return c, nil
}

func applyConsumerDefaults(cfg *ConsumerConfig) {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 1 * time.Second
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 10 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
}

// Run blocks until ctx is canceled. The in-flight record is always finished
// (committed or dead-lettered) before the loop exits; an uncommitted record
// interrupted by a crash is redelivered by the broker.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("kafka reader close failed", "err", err)
		}
		if c.dlqWriter != nil {
			_ = c.dlqWriter.Close()
		}
		c.logger.Info("consumer stopped")
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			continue
		}
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	msgCtx := kafkax.ExtractTraceContext(ctx, msg)
	msgCtx, span := otel.Tracer("eventbus").Start(msgCtx, "eventbus.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	evt, registered, err := c.registry.Decode(msg.Topic, msg.Value)
	if !registered {
		// Forward compatibility: a topic this instance never registered is
		// logged and skipped, never retried.
		c.logger.Warn("no event type registered for topic", "topic", msg.Topic, "event_id", meta.EventID)
		eventsConsumed.WithLabelValues(msg.Topic, "unroutable").Inc()
		c.commit(ctx, msg)
		return
	}
	if err != nil {
		c.logger.Error("event decode failed", "topic", msg.Topic, "event_id", meta.EventID, "err", err)
		span.RecordError(err)
		eventsConsumed.WithLabelValues(msg.Topic, "poison").Inc()
		c.toDeadLetter(msgCtx, msg, "decode failed: "+err.Error())
		c.commit(ctx, msg)
		return
	}

	for attempt := 1; ; attempt++ {
		err := c.registry.Dispatch(msgCtx, msg.Topic, evt)
		if err == nil {
			eventsConsumed.WithLabelValues(msg.Topic, "ok").Inc()
			c.commit(ctx, msg)
			return
		}

		c.logger.Error("event dispatch failed",
			"topic", msg.Topic, "event_id", meta.EventID, "attempt", attempt, "err", err)
		span.RecordError(err)

		if attempt >= c.cfg.MaxDeliveries {
			eventsConsumed.WithLabelValues(msg.Topic, "exhausted").Inc()
			c.toDeadLetter(msgCtx, msg, err.Error())
			c.commit(ctx, msg)
			return
		}
		eventsConsumed.WithLabelValues(msg.Topic, "retry").Inc()

		select {
		case <-ctx.Done():
			// Shutdown with the record uncommitted: the broker redelivers it
			// to the next instance that owns the partition.
			return
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}

// commit records the message as processed. It survives cancellation of the
// run context so an already-processed record is not redelivered needlessly.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		c.logger.Error("offset commit failed", "topic", msg.Topic, "offset", msg.Offset, "err", err)
	}
}

func (c *Consumer) toDeadLetter(ctx context.Context, msg kafka.Message, reason string) {
	if c.deadLetter == nil {
		c.logger.Warn("dead letter disabled, dropping record", "topic", msg.Topic, "offset", msg.Offset)
		return
	}
	if err := c.deadLetter(ctx, msg, reason); err != nil {
		c.logger.Error("dead letter produce failed", "topic", msg.Topic, "err", err)
		return
	}
	eventsDeadLettered.WithLabelValues(msg.Topic).Inc()
}

func (c *Consumer) produceDeadLetter(ctx context.Context, msg kafka.Message, reason string) error {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers, kafka.Header{Key: "DeadLetterReason", Value: []byte(reason)})
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return c.dlqWriter.WriteMessages(dlqCtx, kafka.Message{
		Topic:   msg.Topic + c.cfg.DeadLetterSuffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func parseStartOffset(reset string) int64 {
	if reset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

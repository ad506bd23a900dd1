// Package events delivers ingestion pipeline events to Redis pub/sub, Kafka,
// or the process log.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"duck-ingest/internal/domain"
)

// Encode renders an event as the JSON payload shared by every backend.
func Encode(evt domain.Event) ([]byte, error) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.Type, err)
	}
	return b, nil
}

// === Log ===

// LogPublisher writes events to a structured logger. It is the fallback when
// no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

var _ domain.EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "events")}
}

// Publish logs the event at debug level; dead-letter events log at warn.
func (p *LogPublisher) Publish(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	level := slog.LevelDebug
	if evt.Type == domain.EventDeadLettered {
		level = slog.LevelWarn
	}
	attrs := []any{"type", evt.Type, "file_id", evt.FileID}
	if evt.Status != "" {
		attrs = append(attrs, "status", string(evt.Status))
	}
	if evt.Progress != nil {
		attrs = append(attrs, "rows_read", evt.Progress.RowsRead, "percent", evt.Progress.Percent())
	}
	p.logger.Log(ctx, level, "pipeline event", attrs...)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// === Redis ===

// RedisClient is the subset of *redis.Client used for publishing.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  RedisClient
	channel string
}

var _ domain.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects to addr (host:port) and publishes on channel.
func NewRedisPublisher(addr, channel string) *RedisPublisher {
	return NewRedisPublisherWithClient(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client RedisClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends the JSON-encoded event to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// === Kafka ===

// KafkaWriter is the subset of *kafka.Writer used for publishing.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by file id, so every
// event for one file lands on the same partition in order.
type KafkaPublisher struct {
	writer KafkaWriter
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a hash-balanced writer for brokers (comma
// separated) and topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish writes one message with the event type as a header.
func (p *KafkaPublisher) Publish(ctx context.Context, evt domain.Event) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(evt.FileID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// === Fan-out ===

// Multi publishes each event to every wrapped publisher. All publishers are
// attempted; their errors are joined.
type Multi []domain.EventPublisher

var _ domain.EventPublisher = Multi(nil)

// Publish implements domain.EventPublisher.
func (m Multi) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements domain.EventPublisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects the configured backends.
type Config struct {
	RedisAddr    string
	RedisChannel string
	KafkaBrokers string
	KafkaTopic   string
}

// New builds a publisher for every configured backend. With none configured
// events go to the log.
func New(cfg Config, logger *slog.Logger) domain.EventPublisher {
	var out Multi
	if cfg.RedisAddr != "" {
		channel := cfg.RedisChannel
		if channel == "" {
			channel = DefaultChannel
		}
		out = append(out, NewRedisPublisher(cfg.RedisAddr, channel))
	}
	if cfg.KafkaBrokers != "" {
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = DefaultChannel
		}
		out = append(out, NewKafkaPublisher(cfg.KafkaBrokers, topic))
	}
	switch len(out) {
	case 0:
		return NewLogPublisher(logger)
	case 1:
		return out[0]
	default:
		return out
	}
}

// DefaultChannel is the Redis channel and Kafka topic used when none is set.
const DefaultChannel = "ingest-events"

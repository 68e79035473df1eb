package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON messages to the commands topic.
type Producer struct {
	writer     Writer
	topic      string
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	closed     atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	retries  atomic.Int64
}

// NewProducer creates a producer for cfg.CommandsTopic.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CommandsTopic == "" {
		return nil, errors.New("kafka: commands_topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.CommandsTopic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka_writer")
		}),
	}
	logger.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.CommandsTopic)
	return NewProducerWithWriter(writer, cfg, logger), nil
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w Writer, cfg Config, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer:     w,
		topic:      cfg.CommandsTopic,
		maxRetries: cfg.ProducerMaxRetries,
		backoff:    cfg.ProducerRetryBackoff,
		logger:     logger.With("component", "kafka_producer"),
	}
}

// ProduceJSON marshals value and publishes it under key.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value interface{}) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return p.produce(ctx, kafka.Message{Key: []byte(key), Value: data, Time: time.Now()})
}

func (p *Producer) produce(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.messages.Add(1)
			p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			return nil
		}
		lastErr = err
		p.errors.Add(1)
		p.logger.Warn("kafka produce failed", "error", err, "attempt", attempt+1, "max_attempts", p.maxRetries+1)
		if isNonRetryable(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

// isNonRetryable reports errors that retrying will not fix.
func isNonRetryable(err error) bool {
	for _, e := range []kafka.Error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Metrics returns the producer's counters.
func (p *Producer) Metrics() Metrics {
	return Metrics{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Retries:  p.retries.Load(),
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

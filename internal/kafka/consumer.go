package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrSkipMessage tells the consumer to commit a message it could not use.
var ErrSkipMessage = errors.New("kafka: skip message")

// MessageHandler processes one consumed message. Returning nil or an error
// wrapping ErrSkipMessage commits the message; any other error holds the
// consumer on that message and redelivers it until it succeeds.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the events topic and hands each message to a handler.
type Consumer struct {
	reader         Reader
	handler        MessageHandler
	handlerTimeout time.Duration
	retryDelay     time.Duration
	logger         *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	skipped  atomic.Int64
}

// NewConsumer creates a consumer group reader for cfg.EventsTopic.
func NewConsumer(cfg Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events_topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.EventsTopic,
		Dialer:         dialer,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka_reader")
		}),
	})
	logger.Info("kafka consumer initialized", "brokers", cfg.Brokers, "topic", cfg.EventsTopic, "group", cfg.ConsumerGroup)
	return NewConsumerWithReader(reader, handler, cfg.HandlerTimeout, logger), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader Reader, handler MessageHandler, handlerTimeout time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &Consumer{
		reader:         reader,
		handler:        handler,
		handlerTimeout: handlerTimeout,
		retryDelay:     time.Second,
		logger:         logger.With("component", "kafka_consumer"),
	}
}

// Start runs the consume loop in a goroutine until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consume loop exited", "error", err)
		}
	}()
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.errors.Add(1)
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if !errors.Is(err, ErrSkipMessage) {
				// Only cancellation ends the retry loop; the message stays
				// uncommitted and is redelivered to the group.
				return err
			}
			c.skipped.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
		c.messages.Add(1)
		c.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
	}
}

// maxRetryDelay caps the wait between redeliveries of a failing message.
const maxRetryDelay = 30 * time.Second

// processWithRetry hands msg to the handler until it succeeds, asks for a
// skip, or ctx ends. A committed offset moves the group past every earlier
// message, so a transiently failing message is never passed over.
func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.process(ctx, msg)
		if err == nil || errors.Is(err, ErrSkipMessage) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.errors.Add(1)
		delay := time.Duration(attempt) * c.retryDelay
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		c.logger.Warn("message handler failed, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"retry_in", delay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()
	return c.handler(ctx, msg)
}

// Metrics returns the consumer's counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errors.Load(),
		Skipped:  c.skipped.Load(),
	}
}

// Stop ends the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	c.logger.Info("kafka consumer stopped", "messages", c.messages.Load(), "skipped", c.skipped.Load())
	return nil
}

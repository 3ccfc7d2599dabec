package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader for the deposits topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Consumer feeds deposit notifications from Kafka into a Gateway. A
// message is committed only once it is settled or known to be poison, so
// delivery is at least once and idempotent settlement makes it effectively
// once.
type Consumer struct {
	reader  MessageReader
	gateway *Gateway

	// Backoff between attempts on a transient failure.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewConsumer creates a consumer.
func NewConsumer(r MessageReader, g *Gateway) *Consumer {
	return &Consumer{reader: r, gateway: g, MinBackoff: 200 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("deposit consumer started")
	defer slog.Info("deposit consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch deposit message: %w", err)
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	backoff := c.MinBackoff
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, msg)
		switch {
		case err == nil:
		case Permanent(err):
			slog.Error("dropping deposit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"err", err,
			)
		default:
			slog.Warn("deposit message failed, retrying",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"attempt", attempt,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.MaxBackoff)
			continue
		}
		return c.reader.CommitMessages(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if n.TransactionID == "" && len(msg.Key) > 0 {
		n.TransactionID = string(msg.Key)
	}
	_, err := c.gateway.HandleDeposit(ctx, n, "kafka")
	return err
}

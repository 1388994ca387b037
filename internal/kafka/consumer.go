package kafka

import (
	"context"
	"errors"
	"fmt"

	"ms-dealroom/internal/logger"

	"github.com/segmentio/kafka-go"
)

// Handler processes one message. A returned error is logged and the message
// is still committed; handlers must be idempotent because delivery is at least once.
type Handler func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	reader *kafka.Reader
	topic  string
	log    *logger.Logger
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Discard()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, topic: topic, log: log}
}

// Start consumes until ctx is canceled. Offsets are committed after the handler returns.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	c.log.LogKafka("consume", c.topic, "consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.log.LogKafka("consume", c.topic, "consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message from %s: %v", c.topic, err))
			continue
		}

		if err := handler(ctx, msg); err != nil {
			c.log.Error("KAFKA", fmt.Sprintf("Handler failed for %s offset %d: %v", c.topic, msg.Offset, err))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("KAFKA", fmt.Sprintf("Commit failed for %s offset %d: %v", c.topic, msg.Offset, err))
		}
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

package kafka

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	topic  string
	log    *logger.Logger
}

// NewProducer writes to one topic; messages with the same key keep their order.
func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewProducerWithWriter(writer, topic, log)
}

func NewProducerWithWriter(w MessageWriter, topic string, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.Discard()
	}
	return &Producer{Writer: w, topic: topic, log: log}
}

func (p *Producer) Topic() string { return p.topic }

// Publish writes value under key and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		p.log.LogKafka("publish_failed", p.topic, err.Error())
		return err
	}
	p.log.LogKafka("publish", p.topic, "key "+key)
	return nil
}

// PublishBatch writes msgs in one call; order is kept per key.
func (p *Producer) PublishBatch(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.Writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.LogKafka("publish_failed", p.topic, fmt.Sprintf("batch of %d: %v", len(msgs), err))
		return err
	}
	p.log.LogKafka("publish", p.topic, fmt.Sprintf("batch of %d", len(msgs)))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

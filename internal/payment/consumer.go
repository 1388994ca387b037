package payment

import (
	"context"
	"encoding/json"
	"fmt"

	dealkafka "ms-dealroom/internal/kafka"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventConsumer applies provider payment events published on Kafka by the
// payment gateway.
type EventConsumer struct {
	consumer *dealkafka.Consumer
	svc      *Service
	log      *logger.Logger
}

func NewEventConsumer(consumer *dealkafka.Consumer, svc *Service, log *logger.Logger) *EventConsumer {
	if log == nil {
		log = logger.Discard()
	}
	return &EventConsumer{consumer: consumer, svc: svc, log: log}
}

func (c *EventConsumer) Run(ctx context.Context) error {
	return c.consumer.Start(ctx, c.Handle)
}

// Handle decodes one message. Malformed messages are dropped.
func (c *EventConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var evt models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.log.Warn("KAFKA", fmt.Sprintf("Dropping malformed payment event at offset %d: %v", msg.Offset, err))
		return nil
	}
	c.log.LogKafka("received", msg.Topic, fmt.Sprintf("%s for payment %s (%s)", evt.Type, evt.PaymentID, evt.Status))
	return c.svc.ApplyProviderEvent(ctx, evt)
}

func (c *EventConsumer) Close() error {
	return c.consumer.Close()
}

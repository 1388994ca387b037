package notify

import (
	"context"
	"encoding/json"
	"fmt"

	dealkafka "ms-dealroom/internal/kafka"
	"ms-dealroom/internal/models"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes events keyed by deal room, so one room's events stay
// ordered within a partition.
type KafkaSink struct {
	producer *dealkafka.Producer
}

func NewKafkaSink(producer *dealkafka.Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.producer.Topic() }

func (s *KafkaSink) Publish(ctx context.Context, events ...models.DealEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", evt.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.DealRoomID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.EventType)},
				{Key: "event_id", Value: []byte(fmt.Sprint(evt.ID))},
			},
		})
	}
	return s.producer.PublishBatch(ctx, msgs...)
}

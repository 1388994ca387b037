package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/sse"

	"github.com/go-redis/redis/v8"
)

const channelPrefix = "dealroom:events:"

func roomChannel(roomID string) string { return channelPrefix + roomID }

// RedisSink publishes each event on its deal room's pub/sub channel so every
// service instance can feed its own SSE subscribers.
type RedisSink struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisSink(client *redis.Client, log *logger.Logger) *RedisSink {
	if log == nil {
		log = logger.Discard()
	}
	return &RedisSink{client: client, log: log}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, events ...models.DealEvent) error {
	pipe := s.client.Pipeline()
	for _, evt := range events {
		raw, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", evt.ID, err)
		}
		pipe.Publish(ctx, roomChannel(evt.DealRoomID), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d events: %w", len(events), err)
	}
	return nil
}

// Forward subscribes to every room channel and hands received events to the
// broker until ctx is done.
func (s *RedisSink) Forward(ctx context.Context, broker *sse.Broker) error {
	sub := s.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to deal events: %w", err)
	}
	s.log.Info("REDIS", "Forwarding deal events to SSE subscribers")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt models.DealEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.log.Warn("REDIS", fmt.Sprintf("Dropping malformed event on %s: %v", msg.Channel, err))
				continue
			}
			if evt.DealRoomID == "" {
				evt.DealRoomID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			broker.Emit(evt)
		}
	}
}

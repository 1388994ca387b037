// Package notify delivers committed DealEvents to the notification layer.
// The outbox relay reads unpublished events in id order and hands them to
// one or more sinks; delivery is at-least-once.
package notify

import (
	"context"
	"errors"
	"fmt"

	"ms-dealroom/internal/models"
)

// Sink receives DealEvents in commit order.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events ...models.DealEvent) error
}

// MultiSink fans events out to every sink. A failing sink does not stop the
// others; the relay retries the whole batch and sinks tolerate duplicates.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Publish(ctx context.Context, events ...models.DealEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, events...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

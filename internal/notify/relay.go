package notify

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/store"
)

// Relay publishes committed DealEvents that have not been published yet.
// Events are marked published only after the sink accepted them, so a crash
// in between re-sends them.
type Relay struct {
	db        *store.DB
	sink      Sink
	clock     clock.Clock
	log       *logger.Logger
	batchSize int
}

func NewRelay(db *store.DB, sink Sink, clk clock.Clock, log *logger.Logger) *Relay {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Relay{db: db, sink: sink, clock: clk, log: log, batchSize: 100}
}

// Flush publishes one batch and returns how many events went out.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := store.UnpublishedEvents(ctx, r.db.Bun, r.batchSize)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	if err := r.sink.Publish(ctx, events...); err != nil {
		return 0, fmt.Errorf("publish to %s: %w", r.sink.Name(), err)
	}
	ids := make([]int64, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	if err := store.MarkEventsPublished(ctx, r.db.Bun, ids, r.clock.Now()); err != nil {
		return 0, err
	}
	return len(events), nil
}

// Drain flushes until no unpublished events remain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Flush(ctx)
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
	}
}

// Run drains every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	r.log.Info("RELAY", fmt.Sprintf("Publishing deal events to %s every %s", r.sink.Name(), interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("RELAY", fmt.Sprintf("Failed to publish deal events: %v", err))
		} else if n > 0 {
			r.log.Debug("RELAY", fmt.Sprintf("Published %d deal events", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

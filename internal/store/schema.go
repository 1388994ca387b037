package store

import (
	"context"
	"fmt"

	"ms-dealroom/internal/models"

	"github.com/uptrace/bun"
)

// AllModels is every table owned by the service, in creation order.
var AllModels = []any{
	(*models.DealRoom)(nil),
	(*models.DealRoomParticipant)(nil),
	(*models.DealEvent)(nil),
	(*models.Auction)(nil),
	(*models.AuctionBid)(nil),
	(*models.AuctionInvite)(nil),
	(*models.Order)(nil),
	(*models.Payment)(nil),
	(*models.Dispute)(nil),
	(*models.WorkflowRun)(nil),
	(*models.WorkflowStep)(nil),
	(*models.WorkflowSignal)(nil),
}

// CreateSchema builds the tables from the models. Postgres deployments use
// the SQL migrations instead; this serves SQLite dev mode and tests.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range AllModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*models.DealEvent)(nil), "idx_deal_events_room", []string{"deal_room_id", "id"}},
		{(*models.AuctionBid)(nil), "idx_auction_bids_amount", []string{"auction_id", "amount"}},
		{(*models.Payment)(nil), "idx_payments_order", []string{"order_id"}},
		{(*models.WorkflowRun)(nil), "idx_workflow_runs_due", []string{"status", "wake_at"}},
		{(*models.WorkflowSignal)(nil), "idx_workflow_signals_key", []string{"event", "signal_key"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

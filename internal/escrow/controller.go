// Package escrow settles funds held by the payment provider: auto-capture
// after the hold period, release on delivery or dispute resolution, and
// refunds when a deal falls through.
package escrow

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/uptrace/bun"
)

type Options struct {
	HoldBusinessDays int
	// HoldPeriod overrides HoldBusinessDays when set.
	HoldPeriod    time.Duration
	DisputeWindow time.Duration
}

type Controller struct {
	db        *store.DB
	provider  payment.Provider
	machine   *deal.Machine
	workflows *workflow.Engine
	clock     clock.Clock
	log       *logger.Logger
	opts      Options
}

func NewController(db *store.DB, provider payment.Provider, machine *deal.Machine, workflows *workflow.Engine, clk clock.Clock, log *logger.Logger, opts Options) *Controller {
	if opts.HoldBusinessDays <= 0 && opts.HoldPeriod <= 0 {
		opts.HoldBusinessDays = 3
	}
	if opts.DisputeWindow <= 0 {
		opts.DisputeWindow = 72 * time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{db: db, provider: provider, machine: machine, workflows: workflows, clock: clk, log: log, opts: opts}
}

// Definitions returns the escrow workflows for registration with the engine.
func (c *Controller) Definitions() []workflow.Definition {
	return []workflow.Definition{
		{Name: models.WorkflowEscrowAutoCapture, Version: 1, Trigger: models.EventPaymentEscrowed, Handler: c.autoCapture},
		{Name: models.WorkflowEscrowRelease, Version: 1, Trigger: models.TriggerReleaseRequested, Handler: c.release},
		{Name: models.WorkflowEscrowRefund, Version: 1, Trigger: models.TriggerRefundRequested, Handler: c.refund},
	}
}

// ConfirmDelivery records the buyer's confirmation. Pending auto-capture is
// woken by the signal and stands down; the release workflow pays the seller.
func (c *Controller) ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*models.Order, error) {
	var order *models.Order
	err := c.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		order, err = store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
		if err != nil {
			return err
		}
		if err := deal.Authorize(room, buyerID, deal.ActionConfirmDelivery); err != nil {
			return err
		}
		if order.Status != models.OrderShipped {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("order %s is %s, not shipped", order.ID, order.Status))
		}

		now := c.clock.Now()
		order.Status = models.OrderDelivered
		order.DeliveredAt = now
		order.UpdatedAt = now
		if err := store.UpdateOrder(ctx, tx, order, "status", "delivered_at"); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, room.ID, buyerID, models.EventOrderDelivered, map[string]any{
			"order_id": order.ID,
		}, now); err != nil {
			return err
		}
		if err := c.workflows.SignalTx(ctx, tx, models.EventOrderDelivered, order.ID, map[string]any{
			"order_id":     order.ID,
			"confirmed_by": buyerID,
		}); err != nil {
			return err
		}

		input := models.SettlementInput{OrderID: order.ID, DealRoomID: room.ID, Reason: "delivery_confirmed"}
		blocking, err := store.BlockingPayment(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if blocking != nil {
			input.PaymentID = blocking.ID
		}
		_, err = c.workflows.Trigger(ctx, tx, models.TriggerReleaseRequested, order.ID, room.ID, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.workflows.Kick()
	c.log.LogDeal("confirm_delivery", order.DealRoomID, fmt.Sprintf("order %s delivered", order.ID))
	return order, nil
}

package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/uptrace/bun"
)

// ---------------- AUTO-CAPTURE ----------------

type eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Controller) autoCapture(wc *workflow.Context) error {
	var in models.SettlementInput
	if err := wc.Input(&in); err != nil {
		return workflow.Permanent(err)
	}

	escrowed, err := workflow.Step(wc, "load-payment", func(ctx context.Context) (*models.Payment, error) {
		return loadPayment(ctx, c.db.Bun, in.PaymentID)
	})
	if err != nil {
		return err
	}
	escrowedAt := escrowed.EscrowedAt
	if escrowedAt.IsZero() {
		escrowedAt = escrowed.UpdatedAt
	}

	delivered, err := wc.WaitForEventUntil("hold", models.EventOrderDelivered, in.OrderID, c.HoldUntil(escrowedAt))
	if err != nil {
		return err
	}
	if delivered.Received {
		c.log.LogWorkflow(models.WorkflowEscrowAutoCapture, wc.RunID(), fmt.Sprintf("order %s delivered first, release settles it", in.OrderID))
		return nil
	}

	check, err := workflow.Step(wc, "check-eligibility", func(ctx context.Context) (eligibility, error) {
		return c.eligibility(ctx, c.db.Bun, in)
	})
	if err != nil {
		return err
	}
	if !check.Eligible {
		c.log.LogWorkflow(models.WorkflowEscrowAutoCapture, wc.RunID(), fmt.Sprintf("capture of %s skipped: %s", in.PaymentID, check.Reason))
		return nil
	}
	return c.settle(wc, in, models.PaymentCaptured, models.EventPaymentCaptured)
}

// eligibility re-checks that auto-capture may still take the funds.
func (c *Controller) eligibility(ctx context.Context, db bun.IDB, in models.SettlementInput) (eligibility, error) {
	p, err := store.GetPayment(ctx, db, in.PaymentID)
	if err != nil {
		return eligibility{}, err
	}
	if p.Status != models.PaymentEscrowed {
		return eligibility{Reason: "payment is " + string(p.Status)}, nil
	}
	order, err := store.GetOrder(ctx, db, in.OrderID)
	if err != nil {
		return eligibility{}, err
	}
	switch order.Status {
	case models.OrderPaid, models.OrderShipped:
	default:
		return eligibility{Reason: "order is " + string(order.Status)}, nil
	}
	disputed, err := store.OpenDisputeExists(ctx, db, order.ID, c.clock.Now().Add(-c.opts.DisputeWindow))
	if err != nil {
		return eligibility{}, err
	}
	if disputed {
		return eligibility{Reason: "open dispute"}, nil
	}
	room, err := store.GetDealRoom(ctx, db, order.DealRoomID)
	if err != nil {
		return eligibility{}, err
	}
	if !deal.CanTransition(room.CurrentState, models.StateCompleted) {
		return eligibility{Reason: "deal room is " + string(room.CurrentState)}, nil
	}
	return eligibility{Eligible: true}, nil
}

// ---------------- RELEASE ----------------

func (c *Controller) release(wc *workflow.Context) error {
	var in models.SettlementInput
	if err := wc.Input(&in); err != nil {
		return workflow.Permanent(err)
	}
	if in.PaymentID == "" {
		// Swaps have nothing to capture.
		_, err := workflow.StepTx(wc, "complete", func(ctx context.Context, tx bun.Tx) (bool, error) {
			order, err := store.LockOrder(ctx, tx, in.OrderID)
			if err != nil {
				return false, err
			}
			return c.completeTx(ctx, tx, order, in)
		})
		return err
	}
	return c.settle(wc, in, models.PaymentReleased, models.EventPaymentReleased)
}

// settle captures the held funds at the provider, then records the outcome.
// The provider call is keyed by payment so a repeated attempt cannot take
// the money twice.
func (c *Controller) settle(wc *workflow.Context, in models.SettlementInput, target models.PaymentStatus, event string) error {
	captured, err := workflow.Step(wc, "capture", func(ctx context.Context) (bool, error) {
		p, err := loadPayment(ctx, c.db.Bun, in.PaymentID)
		if err != nil {
			return false, err
		}
		if p.Status != models.PaymentEscrowed {
			return false, nil
		}
		if reason, err := c.captureBlocked(ctx, c.db.Bun, in); err != nil {
			return false, err
		} else if reason != "" {
			if target == models.PaymentCaptured {
				c.log.LogWorkflow(models.WorkflowEscrowAutoCapture, wc.RunID(), fmt.Sprintf("capture of %s skipped: %s", p.ID, reason))
				return false, nil
			}
			// A release that may not complete the room is left failed for an operator.
			return false, workflow.Permanent(apperrors.Conflict(apperrors.CodeConflict,
				fmt.Sprintf("payment %s not released: %s", p.ID, reason)))
		}
		if err := c.provider.Capture(ctx, p.ProviderRef, p.Amount, "capture-"+p.ID); err != nil {
			return false, apperrors.ExternalCapture(err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !captured {
		c.log.Warn("ESCROW", fmt.Sprintf("Payment %s was no longer escrowed, nothing captured", in.PaymentID))
		return nil
	}

	_, err = workflow.StepTx(wc, "finalize", func(ctx context.Context, tx bun.Tx) (bool, error) {
		return c.finalizeTx(ctx, tx, in, target, event)
	})
	return err
}

// captureBlocked names what stops the held funds from going to the seller, or
// returns "" when nothing does.
func (c *Controller) captureBlocked(ctx context.Context, db bun.IDB, in models.SettlementInput) (string, error) {
	disputed, err := store.OpenDisputeExists(ctx, db, in.OrderID, time.Time{})
	if err != nil {
		return "", err
	}
	if disputed {
		return "open dispute", nil
	}
	order, err := store.GetOrder(ctx, db, in.OrderID)
	if err != nil {
		return "", err
	}
	room, err := store.GetDealRoom(ctx, db, order.DealRoomID)
	if err != nil {
		return "", err
	}
	if !deal.CanTransition(room.CurrentState, models.StateCompleted) {
		return "deal room is " + string(room.CurrentState), nil
	}
	return "", nil
}

// finalizeTx marks the payment settled and completes the order and deal room
// when the room may still complete.
func (c *Controller) finalizeTx(ctx context.Context, tx bun.Tx, in models.SettlementInput, target models.PaymentStatus, event string) (bool, error) {
	p, err := store.LockPayment(ctx, tx, in.PaymentID)
	if err != nil {
		return false, err
	}
	if p.Status != models.PaymentEscrowed {
		return false, nil
	}
	now := c.clock.Now()
	p.Status = target
	p.Stamp(target, now)
	p.UpdatedAt = now
	if err := store.UpdatePayment(ctx, tx, p, "status", models.StampColumn(target)); err != nil {
		return false, err
	}

	order, err := store.LockOrder(ctx, tx, in.OrderID)
	if err != nil {
		return false, err
	}
	if _, err := store.AppendEvent(ctx, tx, order.DealRoomID, models.SystemActorID, event, map[string]any{
		"payment_id": p.ID,
		"order_id":   order.ID,
		"amount":     p.Amount,
	}, now); err != nil {
		return false, err
	}
	completed, err := c.completeTx(ctx, tx, order, in)
	if err != nil {
		return false, err
	}
	c.log.Info("ESCROW", fmt.Sprintf("Payment %s %s (%d %s), order completed: %v", p.ID, target, p.Amount, p.Currency, completed))
	return true, nil
}

// completeTx completes the order and its deal room. A room that has moved
// somewhere completion is not allowed, such as an open dispute, is left alone.
func (c *Controller) completeTx(ctx context.Context, tx bun.IDB, order *models.Order, in models.SettlementInput) (bool, error) {
	if order.Status == models.OrderCompleted {
		return false, nil
	}
	room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
	if err != nil {
		return false, err
	}
	if !deal.CanTransition(room.CurrentState, models.StateCompleted) {
		c.log.Warn("ESCROW", fmt.Sprintf("Deal room %s is %s, order %s left %s", room.ID, room.CurrentState, order.ID, order.Status))
		return false, nil
	}

	now := c.clock.Now()
	if _, err := c.machine.ApplyTx(ctx, tx, room.ID, models.StateCompleted, models.SystemActorID, map[string]any{
		"settled_by": in.Reason,
	}); err != nil {
		return false, err
	}
	order.Status = models.OrderCompleted
	order.CompletedAt = now
	order.UpdatedAt = now
	if err := store.UpdateOrder(ctx, tx, order, "status", "completed_at"); err != nil {
		return false, err
	}
	_, err = store.AppendEvent(ctx, tx, room.ID, models.SystemActorID, models.EventOrderCompleted, map[string]any{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount,
	}, now)
	return err == nil, err
}

// ---------------- REFUND ----------------

// refundAction is what the provider was asked to do with the funds.
type refundAction string

const (
	refundNone   refundAction = ""
	refundVoid   refundAction = "void"
	refundReturn refundAction = "refund"
)

func (c *Controller) refund(wc *workflow.Context) error {
	var in models.SettlementInput
	if err := wc.Input(&in); err != nil {
		return workflow.Permanent(err)
	}

	action := refundNone
	if in.PaymentID != "" {
		var err error
		action, err = workflow.Step(wc, "return-funds", func(ctx context.Context) (refundAction, error) {
			return c.returnFunds(ctx, in.PaymentID)
		})
		if err != nil {
			return err
		}
	}

	_, err := workflow.StepTx(wc, "finalize-refund", func(ctx context.Context, tx bun.Tx) (bool, error) {
		return c.finalizeRefundTx(ctx, tx, in, action)
	})
	if err == nil {
		c.log.LogWorkflow(models.WorkflowEscrowRefund, wc.RunID(), fmt.Sprintf("order %s settled back to buyer (%s)", in.OrderID, in.Reason))
	}
	return err
}

// returnFunds voids an intent that was never captured and refunds one that was.
// Funds already paid out to the seller cannot be pulled back here, so the run
// fails and shows up as stuck.
func (c *Controller) returnFunds(ctx context.Context, paymentID string) (refundAction, error) {
	p, err := loadPayment(ctx, c.db.Bun, paymentID)
	if err != nil {
		return refundNone, err
	}
	switch p.Status {
	case models.PaymentCreated, models.PaymentRequiresAction, models.PaymentEscrowed:
		if p.ProviderRef == "" {
			return refundVoid, nil
		}
		if err := c.provider.Cancel(ctx, p.ProviderRef, "cancel-"+p.ID); err != nil {
			return refundNone, apperrors.ExternalCapture(err)
		}
		return refundVoid, nil
	case models.PaymentCaptured, models.PaymentPartiallyRefunded:
		if err := c.provider.Refund(ctx, p.ProviderRef, p.Amount-p.RefundedAmount, "refund-"+p.ID); err != nil {
			return refundNone, apperrors.ExternalCapture(err)
		}
		return refundReturn, nil
	case models.PaymentFailed, models.PaymentCanceled, models.PaymentRefunded:
		// Nothing is held.
		return refundNone, nil
	}
	return refundNone, workflow.Permanent(apperrors.Conflict(apperrors.CodeConflict,
		fmt.Sprintf("payment %s is %s, funds were not returned", p.ID, p.Status)))
}

func (c *Controller) finalizeRefundTx(ctx context.Context, tx bun.Tx, in models.SettlementInput, action refundAction) (bool, error) {
	now := c.clock.Now()
	order, err := store.LockOrder(ctx, tx, in.OrderID)
	if err != nil {
		return false, err
	}

	if in.PaymentID != "" {
		p, err := store.LockPayment(ctx, tx, in.PaymentID)
		if err != nil {
			return false, err
		}
		if action == refundNone {
			switch p.Status {
			case models.PaymentFailed, models.PaymentCanceled, models.PaymentRefunded:
			default:
				return false, workflow.Permanent(apperrors.Conflict(apperrors.CodeConflict,
					fmt.Sprintf("payment %s is %s, order %s not refunded", p.ID, p.Status, order.ID)))
			}
		}
		next := models.PaymentRefunded
		if p.Status == models.PaymentCreated || p.Status == models.PaymentRequiresAction {
			next = models.PaymentCanceled
		}
		if p.Status.CanTransitionTo(next) {
			p.Status = next
			p.Stamp(next, now)
			p.UpdatedAt = now
			cols := []string{"status", models.StampColumn(next)}
			if next == models.PaymentRefunded {
				p.RefundedAmount = p.Amount
				cols = append(cols, "refunded_amount")
			}
			if err := store.UpdatePayment(ctx, tx, p, cols...); err != nil {
				return false, err
			}
			if next == models.PaymentRefunded {
				if _, err := store.AppendEvent(ctx, tx, order.DealRoomID, models.SystemActorID, models.EventPaymentRefunded, map[string]any{
					"payment_id": p.ID,
					"order_id":   order.ID,
					"amount":     p.Amount,
					"action":     string(action),
				}, now); err != nil {
					return false, err
				}
			}
		}
	}

	room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
	if err != nil {
		return false, err
	}
	if !room.CurrentState.Terminal() {
		if _, err := c.machine.ApplyTx(ctx, tx, room.ID, models.StateCanceled, models.SystemActorID, map[string]any{
			"cancel_reason": in.Reason,
		}); err != nil {
			return false, err
		}
	}

	switch order.Status {
	case models.OrderCanceled, models.OrderRefunded, models.OrderCompleted:
		return false, nil
	case models.OrderPendingPayment:
		order.Status = models.OrderCanceled
		order.CanceledAt = now
		order.UpdatedAt = now
		if err := store.UpdateOrder(ctx, tx, order, "status", "canceled_at"); err != nil {
			return false, err
		}
		_, err = store.AppendEvent(ctx, tx, room.ID, models.SystemActorID, models.EventOrderCanceled, map[string]any{
			"order_id": order.ID,
			"reason":   in.Reason,
		}, now)
	default:
		order.Status = models.OrderRefunded
		order.UpdatedAt = now
		err = store.UpdateOrder(ctx, tx, order, "status")
	}
	return err == nil, err
}

func loadPayment(ctx context.Context, db bun.IDB, id string) (*models.Payment, error) {
	p, err := store.GetPayment(ctx, db, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, workflow.Permanent(err)
	}
	return p, err
}

package payment

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/uptrace/bun"
)

// RecoveryDefinition handles a failed payment: the deal goes back to waiting
// for payment, and is canceled if the buyer has not paid when the retry
// window ends.
func (s *Service) RecoveryDefinition() workflow.Definition {
	return workflow.Definition{
		Name:    models.WorkflowPaymentRecovery,
		Version: 1,
		Trigger: models.EventPaymentFailed,
		Handler: s.recover,
	}
}

func (s *Service) recover(wc *workflow.Context) error {
	var in models.SettlementInput
	if err := wc.Input(&in); err != nil {
		return workflow.Permanent(err)
	}

	deadline, err := workflow.StepTx(wc, "reopen", func(ctx context.Context, tx bun.Tx) (time.Time, error) {
		return s.reopenTx(ctx, tx, in)
	})
	if err != nil {
		return err
	}

	if err := wc.SleepUntil("retry-window", deadline); err != nil {
		return err
	}

	expired, err := workflow.StepTx(wc, "expire", func(ctx context.Context, tx bun.Tx) (bool, error) {
		return s.expireTx(ctx, tx, in)
	})
	if err != nil {
		return err
	}
	if expired {
		s.log.LogDeal("payment_expired", in.DealRoomID, fmt.Sprintf("order %s canceled after failed payment %s", in.OrderID, in.PaymentID))
	}
	return nil
}

// reopenTx puts a paid order back to pending_payment when its escrowed funds
// failed, and returns when the retry window closes.
func (s *Service) reopenTx(ctx context.Context, tx bun.Tx, in models.SettlementInput) (time.Time, error) {
	deadline := s.clock.Now().Add(s.opts.RetryWindow)

	order, err := store.LockOrder(ctx, tx, in.OrderID)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.workflows.Cancel(ctx, tx, models.WorkflowEscrowAutoCapture, in.PaymentID); err != nil {
		return time.Time{}, err
	}
	if order.Status != models.OrderPaid {
		return deadline, nil
	}
	room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
	if err != nil {
		return time.Time{}, err
	}
	if room.CurrentState != models.StatePaymentAuthorized {
		return deadline, nil
	}
	blocking, err := store.BlockingPayment(ctx, tx, order.ID)
	if err != nil {
		return time.Time{}, err
	}
	if blocking != nil {
		// Another payment holds the funds now.
		return deadline, nil
	}

	if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StatePaymentPending, models.SystemActorID, map[string]any{
		"failed_payment_id": in.PaymentID,
		"retry_until":       deadline,
	}); err != nil {
		return time.Time{}, err
	}
	order.Status = models.OrderPendingPayment
	order.PaidAt = time.Time{}
	order.UpdatedAt = s.clock.Now()
	if err := store.UpdateOrder(ctx, tx, order, "status", "paid_at"); err != nil {
		return time.Time{}, err
	}
	s.log.LogDeal("payment_reopened", room.ID, fmt.Sprintf("order %s awaits a new payment until %s", order.ID, deadline.Format(time.RFC3339)))
	return deadline, nil
}

// expireTx cancels the deal if the order is still unpaid and no payment is in flight.
func (s *Service) expireTx(ctx context.Context, tx bun.Tx, in models.SettlementInput) (bool, error) {
	order, err := store.LockOrder(ctx, tx, in.OrderID)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderPendingPayment {
		return false, nil
	}
	blocking, err := store.BlockingPayment(ctx, tx, order.ID)
	if err != nil {
		return false, err
	}
	if blocking != nil {
		return false, nil
	}
	room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if !room.CurrentState.Terminal() {
		if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StateCanceled, models.SystemActorID, map[string]any{
			"cancel_reason": "payment_not_completed",
		}); err != nil {
			return false, err
		}
	}
	order.Status = models.OrderCanceled
	order.CanceledAt = now
	order.UpdatedAt = now
	if err := store.UpdateOrder(ctx, tx, order, "status", "canceled_at"); err != nil {
		return false, err
	}
	_, err = store.AppendEvent(ctx, tx, room.ID, models.SystemActorID, models.EventOrderCanceled, map[string]any{
		"order_id": order.ID,
		"reason":   "payment_not_completed",
	}, now)
	return err == nil, err
}

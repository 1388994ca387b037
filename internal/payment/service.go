package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Options struct {
	// RetryWindow is how long a buyer has to pay again after a failed payment.
	RetryWindow time.Duration
}

type Service struct {
	db        *store.DB
	provider  Provider
	machine   *deal.Machine
	workflows *workflow.Engine
	clock     clock.Clock
	log       *logger.Logger
	opts      Options
}

func NewService(db *store.DB, provider Provider, machine *deal.Machine, workflows *workflow.Engine, clk clock.Clock, log *logger.Logger, opts Options) *Service {
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 48 * time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{db: db, provider: provider, machine: machine, workflows: workflows, clock: clk, log: log, opts: opts}
}

func (s *Service) Get(ctx context.Context, paymentID string) (*models.Payment, error) {
	return store.GetPayment(ctx, s.db.Bun, paymentID)
}

// ---------------- INITIATE ----------------

// Initiate opens a payment for the buyer's order and creates the provider
// intent. The payment row is committed before the provider is called, so a
// concurrent request sees it and is rejected with PAYMENT_IN_PROGRESS.
func (s *Service) Initiate(ctx context.Context, orderID, buyerID string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
		if err != nil {
			return err
		}
		if err := deal.Authorize(room, buyerID, deal.ActionMakePayment); err != nil {
			return err
		}
		if order.Status != models.OrderPendingPayment {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("order %s is %s", order.ID, order.Status))
		}
		if order.TotalAmount <= 0 {
			return apperrors.Validation(apperrors.CodeInvalidInput, "order has nothing to pay")
		}
		blocking, err := store.BlockingPayment(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if blocking != nil {
			return apperrors.Conflict(apperrors.CodePaymentInProgress, "order already has a payment in progress").
				WithDetail("payment_id", blocking.ID).
				WithDetail("status", string(blocking.Status))
		}

		now := s.clock.Now()
		payment = &models.Payment{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			Provider:  s.provider.Name(),
			Status:    models.PaymentCreated,
			Amount:    order.TotalAmount,
			Currency:  order.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.InsertPayment(ctx, tx, payment); err != nil {
			return err
		}
		_, err = store.AppendEvent(ctx, tx, room.ID, buyerID, models.EventPaymentInitiated, map[string]any{
			"payment_id": payment.ID,
			"order_id":   order.ID,
			"amount":     payment.Amount,
			"currency":   payment.Currency,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, IntentRequest{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	})
	if err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Intent creation for payment %s failed: %v", payment.ID, err))
		if _, markErr := s.MarkFailed(ctx, payment.ID, "intent_creation_failed"); markErr != nil {
			s.log.Error("PAYMENT", fmt.Sprintf("Failed to mark payment %s failed: %v", payment.ID, markErr))
		}
		return nil, apperrors.ExternalCapture(err)
	}

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		p, err := store.LockPayment(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		p.ProviderRef = intent.Ref
		p.ClientSecret = intent.ClientSecret
		p.UpdatedAt = s.clock.Now()
		columns := []string{"provider_ref", "client_secret"}
		if intent.Status == models.PaymentRequiresAction && p.Status.CanTransitionTo(intent.Status) {
			p.Status = intent.Status
			p.Stamp(intent.Status, p.UpdatedAt)
			columns = append(columns, "status", models.StampColumn(intent.Status))
		}
		payment = p
		return store.UpdatePayment(ctx, tx, p, columns...)
	})
	if err != nil {
		return nil, err
	}
	if intent.Status == models.PaymentEscrowed {
		if payment, err = s.MarkEscrowed(ctx, payment.ID); err != nil {
			return nil, err
		}
		payment.ClientSecret = intent.ClientSecret
	}

	s.log.Info("PAYMENT", fmt.Sprintf("Payment %s for order %s opened with %s intent %s", payment.ID, payment.OrderID, s.provider.Name(), payment.ProviderRef))
	return payment, nil
}

// ---------------- STATUS CHANGES ----------------

// MarkEscrowed records that the provider holds the funds. The order becomes
// paid, the deal room moves to payment_authorized and auto-capture starts.
func (s *Service) MarkEscrowed(ctx context.Context, paymentID string) (*models.Payment, error) {
	var payment *models.Payment
	changed := false
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		changed = false
		p, err := store.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		payment = p
		if p.Status == models.PaymentEscrowed {
			return nil
		}
		if !p.Status.CanTransitionTo(models.PaymentEscrowed) {
			return apperrors.InvalidTransition(string(p.Status), string(models.PaymentEscrowed))
		}
		order, err := store.LockOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		room, err := store.LockDealRoom(ctx, tx, order.DealRoomID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		p.Status = models.PaymentEscrowed
		p.Stamp(models.PaymentEscrowed, now)
		p.UpdatedAt = now
		if err := store.UpdatePayment(ctx, tx, p, "status", "escrowed_at"); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, room.ID, models.SystemActorID, models.EventPaymentEscrowed, map[string]any{
			"payment_id": p.ID,
			"order_id":   order.ID,
			"amount":     p.Amount,
		}, now); err != nil {
			return err
		}
		changed = true

		input := models.SettlementInput{OrderID: order.ID, PaymentID: p.ID, DealRoomID: room.ID}
		if room.CurrentState != models.StatePaymentPending || order.Status != models.OrderPendingPayment {
			// The deal moved on while the buyer was paying; give the money back.
			input.Reason = "deal_not_awaiting_payment"
			_, err := s.workflows.Trigger(ctx, tx, models.TriggerRefundRequested, order.ID, room.ID, input)
			return err
		}

		order.Status = models.OrderPaid
		order.PaidAt = now
		order.UpdatedAt = now
		if err := store.UpdateOrder(ctx, tx, order, "status", "paid_at"); err != nil {
			return err
		}
		if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StatePaymentAuthorized, models.SystemActorID, map[string]any{
			"payment_id": p.ID,
		}); err != nil {
			return err
		}
		_, err = s.workflows.Trigger(ctx, tx, models.EventPaymentEscrowed, p.ID, room.ID, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.workflows.Kick()
		s.log.Info("PAYMENT", fmt.Sprintf("Payment %s escrowed (%d %s)", payment.ID, payment.Amount, payment.Currency))
	}
	return payment, nil
}

// MarkFailed records a failed payment and starts failure recovery.
func (s *Service) MarkFailed(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	var payment *models.Payment
	changed := false
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		changed = false
		p, err := store.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		payment = p
		if p.Status == models.PaymentFailed {
			return nil
		}
		if !p.Status.CanTransitionTo(models.PaymentFailed) {
			return apperrors.InvalidTransition(string(p.Status), string(models.PaymentFailed))
		}
		order, err := store.GetOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		p.Status = models.PaymentFailed
		p.FailureReason = reason
		p.Stamp(models.PaymentFailed, now)
		p.UpdatedAt = now
		if err := store.UpdatePayment(ctx, tx, p, "status", "failure_reason", "failed_at"); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, order.DealRoomID, models.SystemActorID, models.EventPaymentFailed, map[string]any{
			"payment_id": p.ID,
			"order_id":   order.ID,
			"reason":     reason,
		}, now); err != nil {
			return err
		}
		changed = true
		_, err = s.workflows.Trigger(ctx, tx, models.EventPaymentFailed, p.ID, order.DealRoomID, models.SettlementInput{
			OrderID:    order.ID,
			PaymentID:  p.ID,
			DealRoomID: order.DealRoomID,
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.workflows.Kick()
		s.log.Warn("PAYMENT", fmt.Sprintf("Payment %s failed: %s", payment.ID, reason))
	}
	return payment, nil
}

// setStatus applies a provider status that has no side effects beyond the payment row.
func (s *Service) setStatus(ctx context.Context, paymentID string, next models.PaymentStatus) (*models.Payment, error) {
	var payment *models.Payment
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		p, err := store.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		payment = p
		if p.Status == next {
			return nil
		}
		if !p.Status.CanTransitionTo(next) {
			return apperrors.InvalidTransition(string(p.Status), string(next))
		}
		now := s.clock.Now()
		p.Status = next
		p.Stamp(next, now)
		p.UpdatedAt = now
		columns := []string{"status"}
		if col := models.StampColumn(next); col != "" {
			columns = append(columns, col)
		}
		return store.UpdatePayment(ctx, tx, p, columns...)
	})
	return payment, err
}

// ---------------- PROVIDER EVENTS ----------------

// ApplyProviderEvent ingests a provider notification. Redelivered and
// out-of-order events are ignored once the payment has moved past them.
func (s *Service) ApplyProviderEvent(ctx context.Context, evt models.PaymentEvent) error {
	next, ok := models.ParsePaymentStatus(evt.Status)
	if !ok {
		s.log.Warn("PAYMENT", fmt.Sprintf("Ignoring provider event %s with unknown status %q", evt.Type, evt.Status))
		return nil
	}
	p, err := s.resolve(ctx, evt)
	if err != nil {
		return err
	}
	if p.Status == next {
		return nil
	}
	if !p.Status.CanTransitionTo(next) {
		s.log.Info("PAYMENT", fmt.Sprintf("Ignoring stale %s event for payment %s in status %s", next, p.ID, p.Status))
		return nil
	}

	switch next {
	case models.PaymentEscrowed:
		_, err = s.MarkEscrowed(ctx, p.ID)
	case models.PaymentFailed:
		reason := evt.Reason
		if reason == "" {
			reason = "provider_declined"
		}
		_, err = s.MarkFailed(ctx, p.ID, reason)
	case models.PaymentRequiresAction, models.PaymentCanceled:
		_, err = s.setStatus(ctx, p.ID, next)
	default:
		// Capture, release and refunds are driven by the escrow workflows.
		s.log.Info("PAYMENT", fmt.Sprintf("Provider reported %s for payment %s; left to escrow workflows", next, p.ID))
		return nil
	}
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		// Lost a race with another writer; the newer state stands.
		return nil
	}
	return err
}

func (s *Service) resolve(ctx context.Context, evt models.PaymentEvent) (*models.Payment, error) {
	if evt.PaymentID != "" {
		return store.GetPayment(ctx, s.db.Bun, evt.PaymentID)
	}
	if evt.ProviderRef != "" {
		return store.PaymentByProviderRef(ctx, s.db.Bun, evt.ProviderRef)
	}
	return nil, apperrors.Validation(apperrors.CodeInvalidInput, "payment event needs payment_id or provider_ref")
}

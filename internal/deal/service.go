package deal

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Options struct {
	// DisputeWindow is measured from the moment funds were escrowed.
	DisputeWindow time.Duration
	Currency      string
}

type Service struct {
	db      *store.DB
	machine *Machine
	engine  *workflow.Engine
	clock   clock.Clock
	log     *logger.Logger
	opts    Options
}

func NewService(db *store.DB, machine *Machine, engine *workflow.Engine, clk clock.Clock, log *logger.Logger, opts Options) *Service {
	if opts.DisputeWindow <= 0 {
		opts.DisputeWindow = 72 * time.Hour
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{db: db, machine: machine, engine: engine, clock: clk, log: log, opts: opts}
}

func (s *Service) Machine() *Machine { return s.machine }

// ---------------- DEAL ROOMS ----------------

type OpenRequest struct {
	ListingID string         `json:"listing_id"`
	BuyerID   string         `json:"buyer_id"`
	SellerID  string         `json:"seller_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Open starts a direct negotiation between a buyer and the listing's seller.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*models.DealRoom, error) {
	if req.ListingID == "" || req.BuyerID == "" || req.SellerID == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "listing_id, buyer_id and seller_id are required")
	}
	if req.BuyerID == req.SellerID {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "buyer and seller must differ")
	}

	now := s.clock.Now()
	room := &models.DealRoom{
		ID:           uuid.NewString(),
		ListingID:    req.ListingID,
		Kind:         models.RoomDirect,
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		CurrentState: models.StateNegotiation,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := store.InsertDealRoom(ctx, tx, room); err != nil {
			return err
		}
		if err := store.AddParticipants(ctx, tx, []models.DealRoomParticipant{
			{DealRoomID: room.ID, UserID: req.BuyerID, Role: models.RoleBuyer, CreatedAt: now},
			{DealRoomID: room.ID, UserID: req.SellerID, Role: models.RoleSeller, CreatedAt: now},
		}); err != nil {
			return err
		}
		_, err := store.AppendEvent(ctx, tx, room.ID, req.BuyerID, models.EventDealOpened, map[string]any{
			"listing_id": req.ListingID,
			"state":      string(room.CurrentState),
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("open", room.ID, fmt.Sprintf("listing %s buyer %s seller %s", room.ListingID, room.BuyerID, room.SellerID))
	return room, nil
}

func (s *Service) Get(ctx context.Context, roomID string) (*models.DealRoom, error) {
	return store.GetDealRoom(ctx, s.db.Bun, roomID)
}

func (s *Service) Events(ctx context.Context, roomID string) ([]models.DealEvent, error) {
	return store.ListEvents(ctx, s.db.Bun, roomID)
}

// IsParticipant reports whether userID belongs to the room in any role.
func (s *Service) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := store.GetDealRoom(ctx, s.db.Bun, roomID)
	if err != nil {
		return false, err
	}
	if room.BuyerID == userID || room.SellerID == userID {
		return true, nil
	}
	parts, err := store.ListParticipants(ctx, s.db.Bun, roomID)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// lockAuthorized locks the room and checks action for userID.
func (s *Service) lockAuthorized(ctx context.Context, tx bun.IDB, roomID, userID string, action Action) (*models.DealRoom, error) {
	room, err := store.LockDealRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(room, userID, action); err != nil {
		return nil, err
	}
	return room, nil
}

// ---------------- OFFERS ----------------

type AcceptOfferRequest struct {
	OfferID string       `json:"offer_id"`
	Terms   models.Terms `json:"terms"`
}

// AcceptOffer records the seller's acceptance and opens the order. Offers
// without a cash component need no payment and go straight to payment_authorized.
func (s *Service) AcceptOffer(ctx context.Context, roomID, sellerID string, req AcceptOfferRequest) (*models.Order, error) {
	if req.Terms.OfferTerms == nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "offer terms are required")
	}
	if err := req.Terms.Validate(); err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, err.Error())
	}
	if req.OfferID == "" {
		req.OfferID = uuid.NewString()
	}

	var order *models.Order
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		room, err := s.lockAuthorized(ctx, tx, roomID, sellerID, ActionAcceptOffer)
		if err != nil {
			return err
		}
		order, err = s.AcceptTx(ctx, tx, room, sellerID, req.OfferID, req.Terms)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("accept_offer", roomID, fmt.Sprintf("offer %s accepted, order %s (%s %d)", req.OfferID, order.ID, order.OrderType, order.TotalAmount))
	return order, nil
}

// AcceptTx moves a negotiating room to payment_pending and creates its order.
// It is shared with auction close, where the winning bid is the accepted offer.
func (s *Service) AcceptTx(ctx context.Context, tx bun.IDB, room *models.DealRoom, actorID, offerID string, terms models.Terms) (*models.Order, error) {
	existing, err := store.CurrentOrderForRoom(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("deal room already has order %s", existing.ID))
	}

	if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StateOfferAccepted, actorID, map[string]any{
		"offer_id":   offerID,
		"order_type": string(terms.OrderType()),
	}); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	order := &models.Order{
		ID:          uuid.NewString(),
		DealRoomID:  room.ID,
		BuyerID:     room.BuyerID,
		SellerID:    room.SellerID,
		TotalAmount: terms.CashAmount(),
		Currency:    s.opts.Currency,
		Status:      models.OrderPendingPayment,
		OrderType:   terms.OrderType(),
		Terms:       terms,
		Metadata:    map[string]any{"offer_id": offerID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	if _, err := store.AppendEvent(ctx, tx, room.ID, actorID, models.EventOfferAccepted, map[string]any{
		"offer_id":     offerID,
		"order_id":     order.ID,
		"order_type":   string(order.OrderType),
		"total_amount": order.TotalAmount,
	}, now); err != nil {
		return nil, err
	}
	if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StatePaymentPending, models.SystemActorID, map[string]any{
		"order_id": order.ID,
	}); err != nil {
		return nil, err
	}

	if order.TotalAmount == 0 {
		order.Status = models.OrderPaid
		order.PaidAt = now
		order.UpdatedAt = now
		if err := store.UpdateOrder(ctx, tx, order, "status", "paid_at"); err != nil {
			return nil, err
		}
		if _, err := s.machine.ApplyTx(ctx, tx, room.ID, models.StatePaymentAuthorized, models.SystemActorID, map[string]any{
			"payment": "not_required",
		}); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ---------------- SHIPPING ----------------

func (s *Service) MarkShipped(ctx context.Context, roomID, sellerID, tracking string) (*models.Order, error) {
	var order *models.Order
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.lockAuthorized(ctx, tx, roomID, sellerID, ActionMarkShipped); err != nil {
			return err
		}
		current, err := store.CurrentOrderForRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if current == nil {
			return apperrors.NotFound("order for deal room", roomID)
		}
		order, err = store.LockOrder(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderPaid {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("order %s is %s, not paid", order.ID, order.Status))
		}

		patch := map[string]any{}
		if tracking != "" {
			patch["tracking"] = tracking
		}
		if _, err := s.machine.ApplyTx(ctx, tx, roomID, models.StateInDelivery, sellerID, patch); err != nil {
			return err
		}
		now := s.clock.Now()
		order.Status = models.OrderShipped
		order.ShippedAt = now
		order.UpdatedAt = now
		if err := store.UpdateOrder(ctx, tx, order, "status", "shipped_at"); err != nil {
			return err
		}
		_, err = store.AppendEvent(ctx, tx, roomID, sellerID, models.EventOrderShipped, map[string]any{
			"order_id": order.ID,
			"tracking": tracking,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("mark_shipped", roomID, fmt.Sprintf("order %s shipped", order.ID))
	return order, nil
}

// ---------------- CANCEL ----------------

// Cancel ends the deal. Held or pending funds are returned by the refund workflow;
// an order without any live payment is canceled right away.
func (s *Service) Cancel(ctx context.Context, roomID, actorID, reason string) (*models.DealRoom, error) {
	var room *models.DealRoom
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.lockAuthorized(ctx, tx, roomID, actorID, ActionCancelDeal); err != nil {
			return err
		}
		var err error
		room, err = s.machine.ApplyTx(ctx, tx, roomID, models.StateCanceled, actorID, map[string]any{
			"cancel_reason": reason,
		})
		if err != nil {
			return err
		}
		return s.settleCanceledTx(ctx, tx, room, actorID, reason)
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("cancel", roomID, fmt.Sprintf("canceled by %s: %s", actorID, reason))
	return room, nil
}

func (s *Service) settleCanceledTx(ctx context.Context, tx bun.IDB, room *models.DealRoom, actorID, reason string) error {
	current, err := store.CurrentOrderForRoom(ctx, tx, room.ID)
	if err != nil || current == nil {
		return err
	}
	order, err := store.LockOrder(ctx, tx, current.ID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderCompleted || order.Status == models.OrderRefunded {
		return nil
	}

	payment, err := store.BlockingPayment(ctx, tx, order.ID)
	if err != nil {
		return err
	}
	if payment != nil {
		if _, err := s.engine.Cancel(ctx, tx, models.WorkflowEscrowAutoCapture, payment.ID); err != nil {
			return err
		}
		_, err := s.engine.Trigger(ctx, tx, models.TriggerRefundRequested, order.ID, room.ID, models.SettlementInput{
			OrderID:    order.ID,
			PaymentID:  payment.ID,
			DealRoomID: room.ID,
			Reason:     "deal_canceled",
		})
		return err
	}

	now := s.clock.Now()
	order.Status = models.OrderCanceled
	order.CanceledAt = now
	order.UpdatedAt = now
	if err := store.UpdateOrder(ctx, tx, order, "status", "canceled_at"); err != nil {
		return err
	}
	_, err = store.AppendEvent(ctx, tx, room.ID, actorID, models.EventOrderCanceled, map[string]any{
		"order_id": order.ID,
		"reason":   reason,
	}, now)
	return err
}

// ---------------- DISPUTES ----------------

func (s *Service) OpenDispute(ctx context.Context, roomID, userID, reason string) (*models.Dispute, error) {
	var dispute *models.Dispute
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		room, err := s.lockAuthorized(ctx, tx, roomID, userID, ActionOpenDispute)
		if err != nil {
			return err
		}
		order, err := store.CurrentOrderForRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if order == nil {
			return apperrors.NotFound("order for deal room", roomID)
		}
		// Confirmed delivery hands the funds to the release workflow.
		switch order.Status {
		case models.OrderPaid, models.OrderShipped:
		default:
			return apperrors.ActionNotAllowed(string(ActionOpenDispute), string(room.CurrentState)).
				WithDetail("order_status", string(order.Status))
		}
		payment, err := store.LatestPayment(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if payment == nil || payment.Status != models.PaymentEscrowed {
			return apperrors.Conflict("PAYMENT_NOT_ESCROWED", "disputes need funds held in escrow")
		}
		now := s.clock.Now()
		if deadline := payment.EscrowedAt.Add(s.opts.DisputeWindow); now.After(deadline) {
			return apperrors.Conflict(apperrors.CodeDisputeWindowClosed,
				fmt.Sprintf("dispute window closed at %s", deadline.Format(time.RFC3339))).
				WithDetail("closed_at", deadline)
		}

		dispute = &models.Dispute{
			ID:         uuid.NewString(),
			DealRoomID: roomID,
			OrderID:    order.ID,
			OpenedBy:   userID,
			Reason:     reason,
			Status:     models.DisputeOpen,
			CreatedAt:  now,
		}
		if err := store.InsertDispute(ctx, tx, dispute); err != nil {
			return err
		}
		if _, err := s.machine.ApplyTx(ctx, tx, roomID, models.StateDisputeOpened, userID, map[string]any{
			"dispute_id": dispute.ID,
		}); err != nil {
			return err
		}
		if _, err := s.engine.Cancel(ctx, tx, models.WorkflowEscrowAutoCapture, payment.ID); err != nil {
			return err
		}
		_, err = store.AppendEvent(ctx, tx, roomID, userID, models.EventDisputeOpened, map[string]any{
			"dispute_id": dispute.ID,
			"order_id":   order.ID,
			"reason":     reason,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("open_dispute", roomID, fmt.Sprintf("dispute %s opened by %s", dispute.ID, userID))
	return dispute, nil
}

// ResolveDispute closes an open dispute and hands the funds to the release or
// refund workflow. Callers authorize the resolver.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, resolverID string, resolution models.DisputeResolution) (*models.Dispute, error) {
	if !resolution.Valid() {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("unknown resolution %q", resolution))
	}
	var dispute *models.Dispute
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		dispute, err = store.LockDispute(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.Status != models.DisputeOpen {
			return apperrors.Conflict("DISPUTE_NOT_OPEN", fmt.Sprintf("dispute %s is %s", dispute.ID, dispute.Status))
		}

		now := s.clock.Now()
		dispute.Status = models.DisputeResolved
		dispute.Resolution = resolution
		dispute.ResolvedBy = resolverID
		dispute.ResolvedAt = now
		if err := store.UpdateDispute(ctx, tx, dispute, "status", "resolution", "resolved_by", "resolved_at"); err != nil {
			return err
		}
		if _, err := s.machine.ApplyTx(ctx, tx, dispute.DealRoomID, models.StateDisputeResolved, resolverID, map[string]any{
			"dispute_resolution": string(resolution),
		}); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, dispute.DealRoomID, resolverID, models.EventDisputeResolved, map[string]any{
			"dispute_id": dispute.ID,
			"order_id":   dispute.OrderID,
			"resolution": string(resolution),
		}, now); err != nil {
			return err
		}

		payment, err := store.LatestPayment(ctx, tx, dispute.OrderID)
		if err != nil {
			return err
		}
		input := models.SettlementInput{OrderID: dispute.OrderID, DealRoomID: dispute.DealRoomID, Reason: "dispute_" + string(resolution)}
		if payment != nil {
			input.PaymentID = payment.ID
		}
		trigger := models.TriggerReleaseRequested
		if resolution == models.ResolutionRefund {
			trigger = models.TriggerRefundRequested
		}
		// Keyed by dispute: the order may already own a settlement run.
		runs, err := s.engine.Trigger(ctx, tx, trigger, dispute.ID, dispute.DealRoomID, input)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no workflow handles %s", trigger)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.LogDeal("resolve_dispute", dispute.DealRoomID, fmt.Sprintf("dispute %s resolved: %s", dispute.ID, resolution))
	return dispute, nil
}

// ---------------- REQUESTED TRANSITIONS ----------------

// RequestTransition is the participant-facing transitionDealRoom command. The
// target picks the command that performs it; targets owned by the payment and
// escrow flows are refused with the room's current state.
func (s *Service) RequestTransition(ctx context.Context, roomID, userID string, target models.DealState, metadata map[string]any) (*models.DealRoom, error) {
	if !target.Valid() {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("unknown deal state %q", target))
	}
	action, ok := ActionForTarget(target)
	if !ok {
		room, err := s.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.ActionNotAllowed("transition_to_"+string(target), string(room.CurrentState))
	}

	text := func(key string) string {
		v, _ := metadata[key].(string)
		return v
	}
	switch action {
	case ActionMarkShipped:
		if _, err := s.MarkShipped(ctx, roomID, userID, text("tracking")); err != nil {
			return nil, err
		}
	case ActionCancelDeal:
		return s.Cancel(ctx, roomID, userID, text("reason"))
	case ActionOpenDispute:
		if _, err := s.OpenDispute(ctx, roomID, userID, text("reason")); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("%s needs offer terms; use the accept command", target))
	}
	return s.Get(ctx, roomID)
}

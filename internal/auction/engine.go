// Package auction runs competitive bidding on a listing. Bid acceptance
// serializes on the auction row: the highest bid is re-read under the lock
// that is held until the new bid is inserted.
package auction

import (
	"context"
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

type Engine struct {
	db        *store.DB
	deals     *deal.Service
	workflows *workflow.Engine
	cache     BidCache
	clock     clock.Clock
	log       *logger.Logger
}

// NewEngine wires the bidding engine. cache may be nil.
func NewEngine(db *store.DB, deals *deal.Service, workflows *workflow.Engine, cache BidCache, clk clock.Clock, log *logger.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{db: db, deals: deals, workflows: workflows, cache: cache, clock: clk, log: log}
}

// ---------------- START ----------------

type StartRequest struct {
	DirectDealRoomID string   `json:"direct_deal_room_id"`
	SellerID         string   `json:"seller_id"`
	StartPrice       int64    `json:"start_price"`
	MinIncrement     int64    `json:"min_increment"`
	DurationMinutes  int      `json:"duration_minutes"`
	InviteeIDs       []string `json:"invitee_ids"`
}

func (r StartRequest) validate() error {
	switch {
	case r.DirectDealRoomID == "" || r.SellerID == "":
		return apperrors.Validation(apperrors.CodeInvalidInput, "deal room and seller are required")
	case r.StartPrice <= 0:
		return apperrors.Validation(apperrors.CodeInvalidInput, "start_price must be positive")
	case r.MinIncrement <= 0:
		return apperrors.Validation(apperrors.CodeInvalidInput, "min_increment must be positive")
	case r.DurationMinutes <= 0:
		return apperrors.Validation(apperrors.CodeInvalidInput, "duration_minutes must be positive")
	}
	return nil
}

type StartResult struct {
	AuctionDealRoomID string    `json:"auction_deal_room_id"`
	AuctionID         string    `json:"auction_id"`
	EndAt             time.Time `json:"end_at"`
}

// Start replaces a direct negotiation with an auction. The auction room, its
// participants and invites, and the supersede marker on the direct room are
// written in one transaction together with the auto-close run.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var auction *models.Auction
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		direct, err := store.LockDealRoom(ctx, tx, req.DirectDealRoomID)
		if err != nil {
			return err
		}
		if err := deal.Authorize(direct, req.SellerID, deal.ActionStartAuction); err != nil {
			return err
		}
		live, err := store.ActiveAuctionForListing(ctx, tx, direct.ListingID)
		if err != nil {
			return err
		}
		if live != nil {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("listing already has auction %s", live.ID))
		}

		now := e.clock.Now()
		auction = &models.Auction{
			ID:               uuid.NewString(),
			DealRoomID:       uuid.NewString(),
			SourceDealRoomID: direct.ID,
			ListingID:        direct.ListingID,
			SellerID:         req.SellerID,
			StartPrice:       req.StartPrice,
			MinIncrement:     req.MinIncrement,
			State:            models.AuctionActive,
			StartAt:          now,
			EndAt:            now.Add(time.Duration(req.DurationMinutes) * time.Minute),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		room := &models.DealRoom{
			ID:           auction.DealRoomID,
			ListingID:    direct.ListingID,
			Kind:         models.RoomAuction,
			SellerID:     req.SellerID,
			CurrentState: models.StateNegotiation,
			Metadata: map[string]any{
				"auction_id":          auction.ID,
				"source_deal_room_id": direct.ID,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.InsertDealRoom(ctx, tx, room); err != nil {
			return err
		}
		if err := store.InsertAuction(ctx, tx, auction); err != nil {
			return err
		}

		members := unionMembers(req.SellerID, direct.BuyerID, req.InviteeIDs)
		participants := make([]models.DealRoomParticipant, 0, len(members))
		invites := make([]models.AuctionInvite, 0, len(members))
		for _, userID := range members {
			role := models.RoleBidder
			if userID == req.SellerID {
				role = models.RoleSeller
			}
			participants = append(participants, models.DealRoomParticipant{DealRoomID: room.ID, UserID: userID, Role: role, CreatedAt: now})
			invites = append(invites, models.AuctionInvite{AuctionID: auction.ID, UserID: userID, CreatedAt: now})
		}
		if err := store.AddParticipants(ctx, tx, participants); err != nil {
			return err
		}
		if err := store.InsertInvites(ctx, tx, invites); err != nil {
			return err
		}

		direct.SupersededByAuctionID = auction.ID
		direct.UpdatedAt = now
		if err := store.UpdateDealRoom(ctx, tx, direct, "superseded_by_auction_id"); err != nil {
			return err
		}

		payload := map[string]any{
			"auction_id":     auction.ID,
			"deal_room_id":   room.ID,
			"source_room_id": direct.ID,
			"start_price":    auction.StartPrice,
			"min_increment":  auction.MinIncrement,
			"end_at":         auction.EndAt,
			"invitee_count":  len(members) - 1,
		}
		if _, err := store.AppendEvent(ctx, tx, room.ID, req.SellerID, models.EventAuctionStarted, payload, now); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, direct.ID, req.SellerID, models.EventAuctionStarted, payload, now); err != nil {
			return err
		}
		_, err = e.workflows.Trigger(ctx, tx, models.EventAuctionStarted, auction.ID, room.ID, autoCloseInput{AuctionID: auction.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.workflows.Kick()
	e.log.LogAuction("start", auction.ID, fmt.Sprintf("room %s ends at %s", auction.DealRoomID, auction.EndAt.Format(time.RFC3339)))
	return &StartResult{AuctionDealRoomID: auction.DealRoomID, AuctionID: auction.ID, EndAt: auction.EndAt}, nil
}

// unionMembers returns the seller, the direct buyer and the invitees without duplicates.
func unionMembers(sellerID, buyerID string, invitees []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(sellerID)
	add(buyerID)
	for _, id := range invitees {
		add(id)
	}
	return out
}

// ---------------- BIDDING ----------------

type BidResult struct {
	Bid        *models.AuctionBid `json:"bid"`
	HighestBid int64              `json:"highest_bid"`
	MinNextBid int64              `json:"min_next_bid"`
}

// MinRequired is the lowest acceptable next bid given the current highest.
func MinRequired(a *models.Auction, highest int64, hasBids bool) int64 {
	if !hasBids {
		return a.StartPrice
	}
	if next := highest + a.MinIncrement; next > a.StartPrice {
		return next
	}
	return a.StartPrice
}

func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64) (*BidResult, error) {
	if amount <= 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "bid amount must be positive")
	}

	// Eligibility is checked before taking the lock.
	snapshot, err := store.GetAuction(ctx, e.db.Bun, auctionID)
	if err != nil {
		return nil, err
	}
	if snapshot.SellerID == bidderID {
		return nil, apperrors.Authorization(apperrors.CodeActionNotAllowed, "sellers cannot bid on their own auction")
	}
	invited, err := store.IsInvited(ctx, e.db.Bun, auctionID, bidderID)
	if err != nil {
		return nil, err
	}
	if !invited {
		return nil, apperrors.NotInvited()
	}
	if err := e.prefilter(ctx, snapshot, amount); err != nil {
		return nil, err
	}

	var result *BidResult
	err = e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := store.LockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if a.State != models.AuctionActive || !now.Before(a.EndAt) {
			return apperrors.AuctionNotActive(string(a.State)).WithDetail("end_at", a.EndAt)
		}
		highest, hasBids, err := store.HighestBidAmount(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if required := MinRequired(a, highest, hasBids); amount < required {
			return apperrors.BidTooLow(required)
		}

		bid := &models.AuctionBid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  bidderID,
			Amount:    amount,
			Seq:       a.BidCount + 1,
			CreatedAt: now,
		}
		if err := store.InsertBid(ctx, tx, bid); err != nil {
			return err
		}
		a.BidCount = bid.Seq
		a.UpdatedAt = now
		if err := store.UpdateAuction(ctx, tx, a, "bid_count"); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, a.DealRoomID, bidderID, models.EventAuctionBid, map[string]any{
			"auction_id": a.ID,
			"bid_id":     bid.ID,
			"bidder_id":  bidderID,
			"amount":     amount,
			"seq":        bid.Seq,
		}, now); err != nil {
			return err
		}
		result = &BidResult{Bid: bid, HighestBid: amount, MinNextBid: MinRequired(a, amount, true)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.raiseCache(ctx, auctionID, amount)
	e.log.LogAuction("bid", auctionID, fmt.Sprintf("bid %d by %s accepted as #%d", amount, bidderID, result.Bid.Seq))
	return result, nil
}

// prefilter rejects bids that cannot beat the cached high bid without touching
// the auction lock. The cache only ever lags the database, so a pass here is
// re-validated under the lock.
func (e *Engine) prefilter(ctx context.Context, a *models.Auction, amount int64) error {
	if e.cache == nil || a.State != models.AuctionActive {
		return nil
	}
	cached, ok, err := e.cache.Get(ctx, a.ID)
	if err != nil {
		e.log.Warn("REDIS", fmt.Sprintf("high bid lookup for %s failed: %v", a.ID, err))
		return nil
	}
	if !ok {
		return nil
	}
	if required := MinRequired(a, cached, true); amount < required {
		return apperrors.BidTooLow(required)
	}
	return nil
}

func (e *Engine) raiseCache(ctx context.Context, auctionID string, amount int64) {
	if e.cache == nil {
		return
	}
	if _, err := e.cache.Raise(ctx, auctionID, amount); err != nil {
		e.log.Warn("REDIS", fmt.Sprintf("high bid update for %s failed: %v", auctionID, err))
	}
}

// ---------------- CLOSE ----------------

type CloseResult struct {
	// Closed is true only for the call that performed the close.
	Closed        bool   `json:"closed"`
	State         string `json:"state"`
	HasWinner     bool   `json:"has_winner"`
	WinnerID      string `json:"winner_id,omitempty"`
	WinningAmount int64  `json:"winning_amount,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	DealRoomID    string `json:"deal_room_id"`
}

func closeResultOf(a *models.Auction, closed bool) *CloseResult {
	return &CloseResult{
		Closed:        closed,
		State:         string(a.State),
		HasWinner:     a.WinnerID != "",
		WinnerID:      a.WinnerID,
		WinningAmount: a.WinningAmount,
		OrderID:       a.OrderID,
		DealRoomID:    a.DealRoomID,
	}
}

// CloseAndSelectWinner closes an expired auction exactly once. Calls on an
// auction that is not active, or not yet past end_at, return the current
// outcome without changing anything.
func (e *Engine) CloseAndSelectWinner(ctx context.Context, auctionID string) (*CloseResult, error) {
	var result *CloseResult
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := store.LockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if a.State != models.AuctionActive || now.Before(a.EndAt) {
			result = closeResultOf(a, false)
			return nil
		}

		a.State = models.AuctionClosed
		a.ClosedAt = now
		a.UpdatedAt = now

		winner, err := store.WinningBid(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if winner == nil {
			if err := store.UpdateAuction(ctx, tx, a, "state", "closed_at"); err != nil {
				return err
			}
			if _, err := e.deals.Machine().ApplyTx(ctx, tx, a.DealRoomID, models.StateCanceled, models.SystemActorID, map[string]any{
				"cancel_reason": "no_bids",
			}); err != nil {
				return err
			}
			if _, err := store.AppendEvent(ctx, tx, a.DealRoomID, models.SystemActorID, models.EventAuctionClosed, map[string]any{
				"auction_id": a.ID,
				"reason":     "no_bids",
			}, now); err != nil {
				return err
			}
			result = closeResultOf(a, true)
			return nil
		}

		room, err := store.LockDealRoom(ctx, tx, a.DealRoomID)
		if err != nil {
			return err
		}
		room.BuyerID = winner.BidderID
		room.UpdatedAt = now
		if err := store.UpdateDealRoom(ctx, tx, room, "buyer_id"); err != nil {
			return err
		}
		order, err := e.deals.AcceptTx(ctx, tx, room, models.SystemActorID, a.ID, models.Terms{OfferTerms: models.CashTerms{Amount: winner.Amount}})
		if err != nil {
			return err
		}
		order.Metadata["winning_bid_id"] = winner.ID
		if err := store.UpdateOrder(ctx, tx, order, "metadata"); err != nil {
			return err
		}

		a.WinnerID = winner.BidderID
		a.WinningBidID = winner.ID
		a.WinningAmount = winner.Amount
		a.OrderID = order.ID
		if err := store.UpdateAuction(ctx, tx, a, "state", "closed_at", "winner_id", "winning_bid_id", "winning_amount", "order_id"); err != nil {
			return err
		}
		if _, err := store.AppendEvent(ctx, tx, a.DealRoomID, models.SystemActorID, models.EventAuctionWinner, map[string]any{
			"auction_id":     a.ID,
			"winner_id":      winner.BidderID,
			"winning_bid_id": winner.ID,
			"winning_amount": winner.Amount,
			"order_id":       order.ID,
		}, now); err != nil {
			return err
		}
		result = closeResultOf(a, true)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Closed {
		if e.cache != nil {
			if err := e.cache.Forget(ctx, auctionID); err != nil {
				e.log.Warn("REDIS", fmt.Sprintf("drop high bid of %s: %v", auctionID, err))
			}
		}
		if result.HasWinner {
			e.log.LogAuction("close", auctionID, fmt.Sprintf("won by %s at %d, order %s", result.WinnerID, result.WinningAmount, result.OrderID))
		} else {
			e.log.LogAuction("close", auctionID, "closed without bids")
		}
	}
	return result, nil
}

// CloseExpired closes auctions whose deadline passed without their timer firing.
func (e *Engine) CloseExpired(ctx context.Context, limit int) (int, error) {
	expired, err := store.ExpiredActiveAuctions(ctx, e.db.Bun, e.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, a := range expired {
		res, err := e.CloseAndSelectWinner(ctx, a.ID)
		if err != nil {
			return closed, fmt.Errorf("close auction %s: %w", a.ID, err)
		}
		if res.Closed {
			closed++
		}
	}
	return closed, nil
}

// ---------------- CANCEL ----------------

// Cancel ends bidding early. The auction room is canceled and the direct room
// it replaced accepts actions again.
func (e *Engine) Cancel(ctx context.Context, auctionID, sellerID, reason string) (*models.Auction, error) {
	var auction *models.Auction
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := store.LockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		room, err := store.LockDealRoom(ctx, tx, a.DealRoomID)
		if err != nil {
			return err
		}
		if err := deal.Authorize(room, sellerID, deal.ActionCancelAuction); err != nil {
			return err
		}
		now := e.clock.Now()
		if (a.State != models.AuctionActive && a.State != models.AuctionSetup) || !now.Before(a.EndAt) {
			return apperrors.AuctionNotActive(string(a.State))
		}

		a.State = models.AuctionCancelled
		a.ClosedAt = now
		a.UpdatedAt = now
		if err := store.UpdateAuction(ctx, tx, a, "state", "closed_at"); err != nil {
			return err
		}
		if _, err := e.deals.Machine().ApplyTx(ctx, tx, a.DealRoomID, models.StateCanceled, sellerID, map[string]any{
			"cancel_reason": reason,
		}); err != nil {
			return err
		}
		payload := map[string]any{"auction_id": a.ID, "reason": reason}
		if _, err := store.AppendEvent(ctx, tx, a.DealRoomID, sellerID, models.EventAuctionCancelled, payload, now); err != nil {
			return err
		}
		if _, err := e.workflows.Cancel(ctx, tx, models.WorkflowAuctionAutoClose, a.ID); err != nil {
			return err
		}

		if a.SourceDealRoomID != "" {
			source, err := store.LockDealRoom(ctx, tx, a.SourceDealRoomID)
			if err != nil {
				return err
			}
			if source.SupersededByAuctionID == a.ID {
				source.SupersededByAuctionID = ""
				source.UpdatedAt = now
				if err := store.UpdateDealRoom(ctx, tx, source, "superseded_by_auction_id"); err != nil {
					return err
				}
				if _, err := store.AppendEvent(ctx, tx, source.ID, sellerID, models.EventAuctionCancelled, payload, now); err != nil {
					return err
				}
			}
		}
		auction = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Forget(ctx, auctionID); err != nil {
			e.log.Warn("REDIS", fmt.Sprintf("drop high bid of %s: %v", auctionID, err))
		}
	}
	e.log.LogAuction("cancel", auctionID, fmt.Sprintf("cancelled by %s: %s", sellerID, reason))
	return auction, nil
}

// ---------------- SNAPSHOT ----------------

type Snapshot struct {
	AuctionID        string              `json:"auction_id"`
	DealRoomID       string              `json:"deal_room_id"`
	State            models.AuctionState `json:"state"`
	StartPrice       int64               `json:"start_price"`
	MinIncrement     int64               `json:"min_increment"`
	EndAt            time.Time           `json:"end_at"`
	RemainingSeconds int64               `json:"remaining_seconds"`
	HighestBid       *models.AuctionBid  `json:"highest_bid"`
	MinNextBid       int64               `json:"min_next_bid,omitempty"`
	Bids             []models.AuctionBid `json:"bids"`
	Participants     []string            `json:"participants"`
	WinnerID         string              `json:"winner_id,omitempty"`
	WinningAmount    int64               `json:"winning_amount,omitempty"`
	OrderID          string              `json:"order_id,omitempty"`
}

func (e *Engine) Get(ctx context.Context, auctionID string) (*models.Auction, error) {
	return store.GetAuction(ctx, e.db.Bun, auctionID)
}

// Snapshot is the read model of an auction. An auction past its deadline
// that the scheduler has not closed yet is closed here first.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (*Snapshot, error) {
	a, err := store.GetAuction(ctx, e.db.Bun, auctionID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if a.State == models.AuctionActive && !now.Before(a.EndAt) {
		if _, err := e.CloseAndSelectWinner(ctx, auctionID); err != nil {
			return nil, err
		}
		if a, err = store.GetAuction(ctx, e.db.Bun, auctionID); err != nil {
			return nil, err
		}
	}

	bids, err := store.ListBids(ctx, e.db.Bun, auctionID)
	if err != nil {
		return nil, err
	}
	invites, err := store.ListInvites(ctx, e.db.Bun, auctionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		AuctionID:     a.ID,
		DealRoomID:    a.DealRoomID,
		State:         a.State,
		StartPrice:    a.StartPrice,
		MinIncrement:  a.MinIncrement,
		EndAt:         a.EndAt,
		Bids:          bids,
		Participants:  make([]string, 0, len(invites)),
		WinnerID:      a.WinnerID,
		WinningAmount: a.WinningAmount,
		OrderID:       a.OrderID,
	}
	if snap.Bids == nil {
		snap.Bids = []models.AuctionBid{}
	}
	for _, inv := range invites {
		snap.Participants = append(snap.Participants, inv.UserID)
	}
	if remaining := a.EndAt.Sub(now); remaining > 0 && a.State == models.AuctionActive {
		snap.RemainingSeconds = int64(remaining.Seconds())
	}
	for i := range bids {
		b := &bids[i]
		if snap.HighestBid == nil || b.Amount > snap.HighestBid.Amount {
			snap.HighestBid = b
		}
	}
	if a.State == models.AuctionActive {
		if snap.HighestBid != nil {
			snap.MinNextBid = MinRequired(a, snap.HighestBid.Amount, true)
			// Refill a cold cache from the authoritative bids.
			e.raiseCache(ctx, a.ID, snap.HighestBid.Amount)
		} else {
			snap.MinNextBid = a.StartPrice
		}
	}
	return snap, nil
}

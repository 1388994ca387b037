package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DealState string

const (
	StateNegotiation       DealState = "negotiation"
	StateOfferAccepted     DealState = "offer_accepted"
	StatePaymentPending    DealState = "payment_pending"
	StatePaymentAuthorized DealState = "payment_authorized"
	StateInDelivery        DealState = "in_delivery"
	StateCompleted         DealState = "completed"
	StateDisputeOpened     DealState = "dispute_opened"
	StateDisputeResolved   DealState = "dispute_resolved"
	StateCanceled          DealState = "canceled"
)

// AllDealStates is the closed set persisted in deal_rooms.current_state.
var AllDealStates = []DealState{
	StateNegotiation,
	StateOfferAccepted,
	StatePaymentPending,
	StatePaymentAuthorized,
	StateInDelivery,
	StateCompleted,
	StateDisputeOpened,
	StateDisputeResolved,
	StateCanceled,
}

func (s DealState) Valid() bool {
	for _, st := range AllDealStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s DealState) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

type DealRoomKind string

const (
	RoomDirect  DealRoomKind = "direct"
	RoomAuction DealRoomKind = "auction"
)

type DealRoom struct {
	bun.BaseModel `bun:"table:deal_rooms"`

	ID                    string         `bun:"id,pk" json:"id"`
	ListingID             string         `bun:"listing_id,notnull" json:"listing_id"`
	Kind                  DealRoomKind   `bun:"kind,notnull" json:"kind"`
	BuyerID               string         `bun:"buyer_id,nullzero" json:"buyer_id,omitempty"`
	SellerID              string         `bun:"seller_id,nullzero" json:"seller_id,omitempty"`
	CurrentState          DealState      `bun:"current_state,notnull" json:"current_state"`
	Metadata              map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	SupersededByAuctionID string         `bun:"superseded_by_auction_id,nullzero" json:"superseded_by_auction_id,omitempty"`
	CreatedAt             time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt             time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

// Superseded rooms are kept for audit but accept no further actions.
func (r *DealRoom) Superseded() bool {
	return r.SupersededByAuctionID != ""
}

type ParticipantRole string

const (
	RoleBuyer  ParticipantRole = "buyer"
	RoleSeller ParticipantRole = "seller"
	RoleBidder ParticipantRole = "bidder"
)

type DealRoomParticipant struct {
	bun.BaseModel `bun:"table:deal_room_participants"`

	DealRoomID string          `bun:"deal_room_id,pk" json:"deal_room_id"`
	UserID     string          `bun:"user_id,pk" json:"user_id"`
	Role       ParticipantRole `bun:"role,notnull" json:"role"`
	CreatedAt  time.Time       `bun:"created_at,notnull" json:"created_at"`
}

// Event types appended to deal_events.
const (
	EventDealOpened       = "deal.opened"
	EventStateChanged     = "state.changed"
	EventAuctionStarted   = "auction.started"
	EventAuctionBid       = "auction.bid"
	EventAuctionClosed    = "auction.closed"
	EventAuctionWinner    = "auction.winner"
	EventAuctionCancelled = "auction.cancelled"
	EventOfferAccepted    = "offer.accepted"
	EventPaymentRequested = "payment.requested"
	EventPaymentInitiated = "payment.initiated"
	EventPaymentEscrowed  = "payment.escrowed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCaptured  = "payment.captured"
	EventPaymentReleased  = "payment.released"
	EventPaymentRefunded  = "payment.refunded"
	EventOrderShipped     = "order.shipped"
	EventOrderDelivered   = "order.delivery_confirmed"
	EventOrderCompleted   = "order.completed"
	EventOrderCanceled    = "order.canceled"
	EventDisputeOpened    = "dispute.opened"
	EventDisputeResolved  = "dispute.resolved"
	EventWorkflowStuck    = "workflow.stuck"
)

// SystemActorID is recorded as the actor of scheduler-driven changes.
const SystemActorID = "system"

type DealEvent struct {
	bun.BaseModel `bun:"table:deal_events"`

	ID          int64          `bun:"id,pk,autoincrement" json:"id"`
	DealRoomID  string         `bun:"deal_room_id,notnull" json:"deal_room_id"`
	ActorID     string         `bun:"actor_id,notnull" json:"actor_id"`
	EventType   string         `bun:"event_type,notnull" json:"event_type"`
	Payload     map[string]any `bun:"payload,type:jsonb" json:"payload"`
	CreatedAt   time.Time      `bun:"created_at,notnull" json:"created_at"`
	PublishedAt time.Time      `bun:"published_at,nullzero" json:"-"`
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

type DisputeResolution string

const (
	ResolutionRelease DisputeResolution = "release"
	ResolutionRefund  DisputeResolution = "refund"
)

func (r DisputeResolution) Valid() bool {
	return r == ResolutionRelease || r == ResolutionRefund
}

type Dispute struct {
	bun.BaseModel `bun:"table:disputes"`

	ID         string            `bun:"id,pk" json:"id"`
	DealRoomID string            `bun:"deal_room_id,notnull" json:"deal_room_id"`
	OrderID    string            `bun:"order_id,notnull" json:"order_id"`
	OpenedBy   string            `bun:"opened_by,notnull" json:"opened_by"`
	Reason     string            `bun:"reason" json:"reason"`
	Status     DisputeStatus     `bun:"status,notnull" json:"status"`
	Resolution DisputeResolution `bun:"resolution,nullzero" json:"resolution,omitempty"`
	ResolvedBy string            `bun:"resolved_by,nullzero" json:"resolved_by,omitempty"`
	CreatedAt  time.Time         `bun:"created_at,notnull" json:"created_at"`
	ResolvedAt time.Time         `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
}

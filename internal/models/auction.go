package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AuctionState string

const (
	AuctionSetup     AuctionState = "setup"
	AuctionActive    AuctionState = "active"
	AuctionClosed    AuctionState = "closed"
	AuctionCancelled AuctionState = "cancelled"
)

type Auction struct {
	bun.BaseModel `bun:"table:auctions"`

	ID               string       `bun:"id,pk" json:"id"`
	DealRoomID       string       `bun:"deal_room_id,notnull,unique" json:"deal_room_id"`
	SourceDealRoomID string       `bun:"source_deal_room_id,nullzero" json:"source_deal_room_id,omitempty"`
	ListingID        string       `bun:"listing_id,notnull" json:"listing_id"`
	SellerID         string       `bun:"seller_id,notnull" json:"seller_id"`
	StartPrice       int64        `bun:"start_price,notnull" json:"start_price"`
	MinIncrement     int64        `bun:"min_increment,notnull" json:"min_increment"`
	State            AuctionState `bun:"state,notnull" json:"state"`
	StartAt          time.Time    `bun:"start_at,notnull" json:"start_at"`
	EndAt            time.Time    `bun:"end_at,notnull" json:"end_at"`
	BidCount         int64        `bun:"bid_count,notnull" json:"bid_count"`
	WinnerID         string       `bun:"winner_id,nullzero" json:"winner_id,omitempty"`
	WinningBidID     string       `bun:"winning_bid_id,nullzero" json:"winning_bid_id,omitempty"`
	WinningAmount    int64        `bun:"winning_amount,nullzero" json:"winning_amount,omitempty"`
	OrderID          string       `bun:"order_id,nullzero" json:"order_id,omitempty"`
	ClosedAt         time.Time    `bun:"closed_at,nullzero" json:"closed_at,omitempty"`
	CreatedAt        time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

// Bids are append-only. Seq is the commit order within the auction.
type AuctionBid struct {
	bun.BaseModel `bun:"table:auction_bids"`

	ID        string    `bun:"id,pk" json:"id"`
	AuctionID string    `bun:"auction_id,notnull,unique:auction_bid_seq" json:"auction_id"`
	BidderID  string    `bun:"bidder_id,notnull" json:"bidder_id"`
	Amount    int64     `bun:"amount,notnull" json:"amount"`
	Seq       int64     `bun:"seq,notnull,unique:auction_bid_seq" json:"seq"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

type AuctionInvite struct {
	bun.BaseModel `bun:"table:auction_invites"`

	AuctionID string    `bun:"auction_id,pk" json:"auction_id"`
	UserID    string    `bun:"user_id,pk" json:"user_id"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

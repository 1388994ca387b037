package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCanceled       OrderStatus = "canceled"
	OrderRefunded       OrderStatus = "refunded"
)

type OrderType string

const (
	OrderTypeCash   OrderType = "cash"
	OrderTypeSwap   OrderType = "swap"
	OrderTypeHybrid OrderType = "hybrid"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID          string         `bun:"id,pk" json:"id"`
	DealRoomID  string         `bun:"deal_room_id,notnull" json:"deal_room_id"`
	BuyerID     string         `bun:"buyer_id,notnull" json:"buyer_id"`
	SellerID    string         `bun:"seller_id,notnull" json:"seller_id"`
	TotalAmount int64          `bun:"total_amount,notnull" json:"total_amount"`
	Currency    string         `bun:"currency,notnull" json:"currency"`
	Status      OrderStatus    `bun:"status,notnull" json:"status"`
	OrderType   OrderType      `bun:"order_type,notnull" json:"order_type"`
	Terms       Terms          `bun:"terms,type:jsonb" json:"terms"`
	Metadata    map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time      `bun:"updated_at,notnull" json:"updated_at"`
	PaidAt      time.Time      `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
	ShippedAt   time.Time      `bun:"shipped_at,nullzero" json:"shipped_at,omitempty"`
	DeliveredAt time.Time      `bun:"delivered_at,nullzero" json:"delivered_at,omitempty"`
	CompletedAt time.Time      `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	CanceledAt  time.Time      `bun:"canceled_at,nullzero" json:"canceled_at,omitempty"`
}

// OfferID links the order to the accepted offer or the auction it was won in.
func (o *Order) OfferID() string {
	if o.Metadata == nil {
		return ""
	}
	id, _ := o.Metadata["offer_id"].(string)
	return id
}

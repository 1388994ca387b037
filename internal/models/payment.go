package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentRequiresAction    PaymentStatus = "requires_action"
	PaymentEscrowed          PaymentStatus = "escrowed"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentReleased          PaymentStatus = "released"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentCanceled          PaymentStatus = "canceled"
)

// ParsePaymentStatus accepts provider vocabulary; "succeeded" means escrowed.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	if s == "succeeded" || s == "requires_capture" {
		return PaymentEscrowed, true
	}
	st := PaymentStatus(s)
	if _, ok := paymentTransitions[st]; ok {
		return st, true
	}
	return "", false
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentCreated:           {PaymentRequiresAction, PaymentEscrowed, PaymentFailed, PaymentCanceled},
	PaymentRequiresAction:    {PaymentEscrowed, PaymentFailed, PaymentCanceled},
	PaymentEscrowed:          {PaymentCaptured, PaymentReleased, PaymentRefunded, PaymentPartiallyRefunded, PaymentCanceled, PaymentFailed},
	PaymentPartiallyRefunded: {PaymentRefunded},
	// Funds captured before a dispute landed can still go back to the buyer.
	PaymentCaptured: {PaymentRefunded},
	PaymentReleased: nil,
	PaymentFailed:   nil,
	PaymentRefunded: nil,
	PaymentCanceled: nil,
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

// Blocking payments prevent a new payment on the same order.
func (s PaymentStatus) Blocking() bool {
	return s != PaymentFailed && s != PaymentCanceled
}

type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID             string        `bun:"id,pk" json:"id"`
	OrderID        string        `bun:"order_id,notnull" json:"order_id"`
	Provider       string        `bun:"provider,notnull" json:"provider"`
	ProviderRef    string        `bun:"provider_ref,nullzero" json:"provider_ref,omitempty"`
	ClientSecret   string        `bun:"client_secret,nullzero" json:"client_secret,omitempty"`
	Status         PaymentStatus `bun:"status,notnull" json:"status"`
	Amount         int64         `bun:"amount,notnull" json:"amount"`
	RefundedAmount int64         `bun:"refunded_amount,notnull" json:"refunded_amount"`
	Currency       string        `bun:"currency,notnull" json:"currency"`
	FailureReason  string        `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull" json:"updated_at"`

	RequiresActionAt    time.Time `bun:"requires_action_at,nullzero" json:"requires_action_at,omitempty"`
	EscrowedAt          time.Time `bun:"escrowed_at,nullzero" json:"escrowed_at,omitempty"`
	CapturedAt          time.Time `bun:"captured_at,nullzero" json:"captured_at,omitempty"`
	ReleasedAt          time.Time `bun:"released_at,nullzero" json:"released_at,omitempty"`
	FailedAt            time.Time `bun:"failed_at,nullzero" json:"failed_at,omitempty"`
	RefundedAt          time.Time `bun:"refunded_at,nullzero" json:"refunded_at,omitempty"`
	PartiallyRefundedAt time.Time `bun:"partially_refunded_at,nullzero" json:"partially_refunded_at,omitempty"`
	CanceledAt          time.Time `bun:"canceled_at,nullzero" json:"canceled_at,omitempty"`
}

// StampColumn is the timeline column set when the payment enters status s.
func StampColumn(s PaymentStatus) string {
	switch s {
	case PaymentRequiresAction:
		return "requires_action_at"
	case PaymentEscrowed:
		return "escrowed_at"
	case PaymentCaptured:
		return "captured_at"
	case PaymentReleased:
		return "released_at"
	case PaymentFailed:
		return "failed_at"
	case PaymentRefunded:
		return "refunded_at"
	case PaymentPartiallyRefunded:
		return "partially_refunded_at"
	case PaymentCanceled:
		return "canceled_at"
	}
	return ""
}

// Stamp sets the timeline field for s unless it is already set.
func (p *Payment) Stamp(s PaymentStatus, at time.Time) {
	var field *time.Time
	switch s {
	case PaymentRequiresAction:
		field = &p.RequiresActionAt
	case PaymentEscrowed:
		field = &p.EscrowedAt
	case PaymentCaptured:
		field = &p.CapturedAt
	case PaymentReleased:
		field = &p.ReleasedAt
	case PaymentFailed:
		field = &p.FailedAt
	case PaymentRefunded:
		field = &p.RefundedAt
	case PaymentPartiallyRefunded:
		field = &p.PartiallyRefundedAt
	case PaymentCanceled:
		field = &p.CanceledAt
	}
	if field != nil && field.IsZero() {
		*field = at
	}
}

// PaymentEvent is the provider notification consumed from Kafka.
type PaymentEvent struct {
	Type        string    `json:"type"`
	PaymentID   string    `json:"payment_id"`
	OrderID     string    `json:"order_id"`
	ProviderRef string    `json:"provider_ref"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

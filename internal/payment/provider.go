// Package payment owns the payment lifecycle of an order: intent creation
// with the provider, escrow and failure bookkeeping, provider event ingestion
// and the recovery workflow that reopens a deal after a failed payment.
package payment

import (
	"context"

	"ms-dealroom/internal/models"
)

type IntentRequest struct {
	PaymentID string
	OrderID   string
	Amount    int64
	Currency  string
}

type Intent struct {
	Ref          string
	ClientSecret string
	Status       models.PaymentStatus
}

// Provider is the payment processor capability. Funds are authorized when the
// intent is confirmed and held until Capture, Cancel or Refund. Every call
// carries an idempotency key so a retried step reaches the same outcome.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) error
	Cancel(ctx context.Context, ref string, idempotencyKey string) error
	Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) error
}

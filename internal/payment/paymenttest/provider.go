// Package paymenttest provides a testify mock of the payment provider.
package paymenttest

import (
	"context"

	"ms-dealroom/internal/payment"

	"github.com/stretchr/testify/mock"
)

type Provider struct {
	mock.Mock
}

var _ payment.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "mock" }

func (p *Provider) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	args := p.Called(ctx, req)
	intent, _ := args.Get(0).(*payment.Intent)
	return intent, args.Error(1)
}

func (p *Provider) Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) error {
	return p.Called(ctx, ref, amount, idempotencyKey).Error(0)
}

func (p *Provider) Cancel(ctx context.Context, ref string, idempotencyKey string) error {
	return p.Called(ctx, ref, idempotencyKey).Error(0)
}

func (p *Provider) Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) error {
	return p.Called(ctx, ref, amount, idempotencyKey).Error(0)
}

package payment

import (
	"context"
	"errors"
	"fmt"

	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// StripeProvider holds funds with manual-capture payment intents.
type StripeProvider struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeProvider creates the Stripe client. backends may be nil to use Stripe's API.
func NewStripeProvider(secretKey string, backends *stripe.Backends, log *logger.Logger) (*StripeProvider, error) {
	if log == nil {
		log = logger.Discard()
	}
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(secretKey, backends)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeProvider{client: sc, log: log}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + req.PaymentID)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("payment_id", req.PaymentID)

	intent, err := p.client.PaymentIntents.New(params)
	if err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent for payment %s: %v", req.PaymentID, err))
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	status, ok := IntentStatus(intent.Status)
	if !ok {
		status = models.PaymentCreated
	}
	p.log.Info("STRIPE", fmt.Sprintf("Created payment intent %s for payment %s (%d %s)", intent.ID, req.PaymentID, req.Amount, req.Currency))
	return &Intent{Ref: intent.ID, ClientSecret: intent.ClientSecret, Status: status}, nil
}

func (p *StripeProvider) Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := p.client.PaymentIntents.Capture(ref, params); err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Capture of %s failed: %v", ref, err))
		return fmt.Errorf("capture payment intent %s: %w", ref, err)
	}
	p.log.Info("STRIPE", fmt.Sprintf("Captured %d on %s", amount, ref))
	return nil
}

func (p *StripeProvider) Cancel(ctx context.Context, ref string, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := p.client.PaymentIntents.Cancel(ref, params); err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Cancel of %s failed: %v", ref, err))
		return fmt.Errorf("cancel payment intent %s: %w", ref, err)
	}
	p.log.Info("STRIPE", fmt.Sprintf("Canceled payment intent %s", ref))
	return nil
}

func (p *StripeProvider) Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := p.client.Refunds.New(params); err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Refund of %s failed: %v", ref, err))
		return fmt.Errorf("refund payment intent %s: %w", ref, err)
	}
	p.log.Info("STRIPE", fmt.Sprintf("Refunded %d on %s", amount, ref))
	return nil
}

// IntentStatus maps a Stripe intent status onto the payment lifecycle. With
// manual capture, requires_capture means the funds are held.
func IntentStatus(s stripe.PaymentIntentStatus) (models.PaymentStatus, bool) {
	switch s {
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusProcessing:
		return models.PaymentCreated, true
	case stripe.PaymentIntentStatusRequiresAction:
		return models.PaymentRequiresAction, true
	case stripe.PaymentIntentStatusRequiresCapture:
		return models.PaymentEscrowed, true
	case stripe.PaymentIntentStatusSucceeded:
		return models.ParsePaymentStatus(string(s))
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentCanceled, true
	}
	return "", false
}

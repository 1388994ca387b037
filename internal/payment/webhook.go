package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const CodeWebhookInvalid = "WEBHOOK_INVALID"

// HandleStripeWebhook verifies a Stripe webhook delivery and applies the
// payment intent it carries. Unhandled event types are acknowledged.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature, secret string) error {
	if secret == "" {
		s.log.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return &apperrors.Error{
			Kind:          apperrors.KindValidation,
			Code:          CodeWebhookInvalid,
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, opts)
	if err != nil {
		s.log.Error("WEBHOOK", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return &apperrors.Error{
			Kind:          apperrors.KindValidation,
			Code:          CodeWebhookInvalid,
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	s.log.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", event.Type))

	var status models.PaymentStatus
	switch event.Type {
	case "payment_intent.amount_capturable_updated", "payment_intent.succeeded":
		status = models.PaymentEscrowed
	case "payment_intent.requires_action":
		status = models.PaymentRequiresAction
	case "payment_intent.payment_failed":
		status = models.PaymentFailed
	case "payment_intent.canceled":
		status = models.PaymentCanceled
	default:
		s.log.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
		return nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		s.log.Error("WEBHOOK", fmt.Sprintf("Failed to unmarshal payment intent: %v", err))
		return apperrors.Validation(CodeWebhookInvalid, "Invalid event data")
	}

	evt := models.PaymentEvent{
		Type:        string(event.Type),
		PaymentID:   intent.Metadata["payment_id"],
		OrderID:     intent.Metadata["order_id"],
		ProviderRef: intent.ID,
		Status:      string(status),
	}
	if intent.LastPaymentError != nil {
		evt.Reason = intent.LastPaymentError.Msg
	}
	if err := s.ApplyProviderEvent(ctx, evt); err != nil {
		s.log.Error("WEBHOOK", fmt.Sprintf("Failed to apply %s for intent %s: %v", event.Type, intent.ID, err))
		return err
	}
	return nil
}

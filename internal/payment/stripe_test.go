package payment_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

type recordedRequest struct {
	Method         string
	Path           string
	Form           url.Values
	IdempotencyKey string
	Authorization  string
}

// fakeStripe answers every call with body and records what it was sent.
func fakeStripe(t *testing.T, body string) (*payment.StripeProvider, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		mu.Lock()
		seen = append(seen, recordedRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Form:           form,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Authorization:  r.Header.Get("Authorization"),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	provider, err := payment.NewStripeProvider("sk_test_dealroom", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, nil)
	require.NoError(t, err)

	return provider, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), seen...)
	}
}

const intentJSON = `{"id":"pi_123","object":"payment_intent","status":"requires_payment_method","client_secret":"pi_123_secret","amount":500,"currency":"usd"}`

func TestStripeProviderCreatesManualCaptureIntent(t *testing.T) {
	provider, requests := fakeStripe(t, intentJSON)

	intent, err := provider.CreateIntent(context.Background(), payment.IntentRequest{
		PaymentID: "pay-1",
		OrderID:   "order-1",
		Amount:    500,
		Currency:  "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.Ref)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, models.PaymentCreated, intent.Status)

	seen := requests()
	require.Len(t, seen, 1)
	req := seen[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/payment_intents", req.Path)
	assert.Equal(t, "manual", req.Form.Get("capture_method"))
	assert.Equal(t, "500", req.Form.Get("amount"))
	assert.Equal(t, "pay-1", req.Form.Get("metadata[payment_id]"))
	assert.Equal(t, "order-1", req.Form.Get("metadata[order_id]"))
	assert.Equal(t, "intent-pay-1", req.IdempotencyKey)
	assert.Equal(t, "Bearer sk_test_dealroom", req.Authorization)
}

func TestStripeProviderSettlementCalls(t *testing.T) {
	provider, requests := fakeStripe(t, intentJSON)
	ctx := context.Background()

	require.NoError(t, provider.Capture(ctx, "pi_123", 450, "capture-pay-1"))
	require.NoError(t, provider.Cancel(ctx, "pi_123", "cancel-pay-1"))

	seen := requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "/v1/payment_intents/pi_123/capture", seen[0].Path)
	assert.Equal(t, "450", seen[0].Form.Get("amount_to_capture"))
	assert.Equal(t, "capture-pay-1", seen[0].IdempotencyKey)
	assert.Equal(t, "/v1/payment_intents/pi_123/cancel", seen[1].Path)
	assert.Equal(t, "requested_by_customer", seen[1].Form.Get("cancellation_reason"))
	assert.Equal(t, "cancel-pay-1", seen[1].IdempotencyKey)
}

func TestStripeProviderRefund(t *testing.T) {
	provider, requests := fakeStripe(t, `{"id":"re_1","object":"refund","status":"succeeded","amount":500}`)

	require.NoError(t, provider.Refund(context.Background(), "pi_123", 500, "refund-pay-1"))

	seen := requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "/v1/refunds", seen[0].Path)
	assert.Equal(t, "pi_123", seen[0].Form.Get("payment_intent"))
	assert.Equal(t, "500", seen[0].Form.Get("amount"))
	assert.Equal(t, "refund-pay-1", seen[0].IdempotencyKey)
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	_, err := payment.NewStripeProvider("", nil, nil)
	assert.ErrorIs(t, err, payment.ErrStripeClientInitFailed)
}

func TestIntentStatus(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]models.PaymentStatus{
		stripe.PaymentIntentStatusRequiresPaymentMethod: models.PaymentCreated,
		stripe.PaymentIntentStatusRequiresAction:        models.PaymentRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture:       models.PaymentEscrowed,
		stripe.PaymentIntentStatusSucceeded:             models.PaymentEscrowed,
		stripe.PaymentIntentStatusCanceled:              models.PaymentCanceled,
	}
	for in, want := range cases {
		got, ok := payment.IntentStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := payment.IntentStatus("mystery")
	assert.False(t, ok)
}

package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/payment/paymenttest"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/store/storetest"
	"ms-dealroom/internal/workflow"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	buyer  = "buyer-1"
	seller = "seller-1"
)

type fixture struct {
	db        *store.DB
	clock     *clock.Fake
	workflows *workflow.Engine
	deals     *deal.Service
	provider  *paymenttest.Provider
	payments  *payment.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	clk := storetest.Clock()
	workflows := workflow.NewEngine(db, workflow.WithClock(clk), workflow.WithOwner("test-worker"), workflow.WithConcurrency(1))
	machine := deal.NewMachine(db, clk, nil)
	deals := deal.NewService(db, machine, workflows, clk, nil, deal.Options{})
	provider := &paymenttest.Provider{}
	payments := payment.NewService(db, provider, machine, workflows, clk, nil, payment.Options{RetryWindow: 48 * time.Hour})
	workflows.MustRegister(payments.RecoveryDefinition())
	t.Cleanup(func() { provider.AssertExpectations(t) })
	return &fixture{db: db, clock: clk, workflows: workflows, deals: deals, provider: provider, payments: payments}
}

// order opens a deal and accepts a cash offer, leaving the room in payment_pending.
func (f *fixture) order(t *testing.T, amount int64) *models.Order {
	t.Helper()
	ctx := context.Background()
	room, err := f.deals.Open(ctx, deal.OpenRequest{ListingID: "listing-1", BuyerID: buyer, SellerID: seller})
	require.NoError(t, err)
	order, err := f.deals.AcceptOffer(ctx, room.ID, seller, deal.AcceptOfferRequest{
		Terms: models.Terms{OfferTerms: models.CashTerms{Amount: amount}},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) expectIntent(ref string) {
	f.provider.On("CreateIntent", mock.Anything, mock.AnythingOfType("payment.IntentRequest")).
		Return(&payment.Intent{Ref: ref, ClientSecret: ref + "_secret", Status: models.PaymentCreated}, nil).Once()
}

func (f *fixture) initiate(t *testing.T, order *models.Order, ref string) *models.Payment {
	t.Helper()
	f.expectIntent(ref)
	p, err := f.payments.Initiate(context.Background(), order.ID, buyer)
	require.NoError(t, err)
	return p
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	_, err := f.workflows.Tick(context.Background())
	require.NoError(t, err)
}

func (f *fixture) reload(t *testing.T, order *models.Order) (*models.Order, *models.DealRoom) {
	t.Helper()
	ctx := context.Background()
	o, err := store.GetOrder(ctx, f.db.Bun, order.ID)
	require.NoError(t, err)
	room, err := store.GetDealRoom(ctx, f.db.Bun, order.DealRoomID)
	require.NoError(t, err)
	return o, room
}

func TestInitiateCreatesIntent(t *testing.T) {
	f := newFixture(t)
	order := f.order(t, 500)

	f.provider.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req payment.IntentRequest) bool {
		return req.OrderID == order.ID && req.Amount == 500 && req.Currency == "usd" && req.PaymentID != ""
	})).Return(&payment.Intent{Ref: "pi_1", ClientSecret: "pi_1_secret", Status: models.PaymentCreated}, nil).Once()

	p, err := f.payments.Initiate(context.Background(), order.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCreated, p.Status)
	assert.Equal(t, "pi_1", p.ProviderRef)
	assert.Equal(t, "pi_1_secret", p.ClientSecret)
	assert.Equal(t, "mock", p.Provider)

	n, err := store.CountEvents(context.Background(), f.db.Bun, order.DealRoomID, models.EventPaymentInitiated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitiateRejectsSecondPayment(t *testing.T) {
	f := newFixture(t)
	order := f.order(t, 500)
	first := f.initiate(t, order, "pi_1")

	_, err := f.payments.Initiate(context.Background(), order.ID, buyer)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePaymentInProgress, apperrors.CodeOf(err))
	appErr, _ := apperrors.As(err)
	assert.Equal(t, first.ID, appErr.Details["payment_id"])
}

func TestInitiateRequiresBuyer(t *testing.T) {
	f := newFixture(t)
	order := f.order(t, 500)

	_, err := f.payments.Initiate(context.Background(), order.ID, seller)
	assert.True(t, errors.Is(err, apperrors.ErrActionNotAllowed))
}

func TestIntentFailureFreesOrderForRetry(t *testing.T) {
	f := newFixture(t)
	order := f.order(t, 500)

	f.provider.On("CreateIntent", mock.Anything, mock.Anything).Return(nil, errors.New("card network down")).Once()
	_, err := f.payments.Initiate(context.Background(), order.ID, buyer)
	assert.True(t, errors.Is(err, apperrors.ErrExternalCapture))

	latest, err := store.LatestPayment(context.Background(), f.db.Bun, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, latest.Status)
	assert.Equal(t, "intent_creation_failed", latest.FailureReason)

	retry := f.initiate(t, order, "pi_2")
	assert.NotEqual(t, latest.ID, retry.ID)
}

func TestEscrowedEventAuthorizesDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	p := f.initiate(t, order, "pi_1")

	// Providers say "succeeded"; it means the funds are held.
	require.NoError(t, f.payments.ApplyProviderEvent(ctx, models.PaymentEvent{PaymentID: p.ID, Status: "succeeded"}))

	reloaded, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEscrowed, reloaded.Status)
	assert.WithinDuration(t, storetest.Epoch, reloaded.EscrowedAt, 0)

	o, room := f.reload(t, order)
	assert.Equal(t, models.OrderPaid, o.Status)
	assert.Equal(t, models.StatePaymentAuthorized, room.CurrentState)

	// Redelivery and stale events change nothing.
	require.NoError(t, f.payments.ApplyProviderEvent(ctx, models.PaymentEvent{ProviderRef: "pi_1", Status: "escrowed"}))
	require.NoError(t, f.payments.ApplyProviderEvent(ctx, models.PaymentEvent{PaymentID: p.ID, Status: "requires_action"}))
	require.NoError(t, f.payments.ApplyProviderEvent(ctx, models.PaymentEvent{PaymentID: p.ID, Status: "bogus"}))

	reloaded, err = f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEscrowed, reloaded.Status)
	n, err := store.CountEvents(ctx, f.db.Bun, order.DealRoomID, models.EventPaymentEscrowed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedEscrowReopensThenExpiresDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	p := f.initiate(t, order, "pi_1")
	_, err := f.payments.MarkEscrowed(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, f.payments.ApplyProviderEvent(ctx, models.PaymentEvent{PaymentID: p.ID, Status: "failed", Reason: "authorization expired"}))
	failed, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, failed.Status)
	assert.Equal(t, "authorization expired", failed.FailureReason)

	f.tick(t)
	o, room := f.reload(t, order)
	assert.Equal(t, models.OrderPendingPayment, o.Status)
	assert.Equal(t, models.StatePaymentPending, room.CurrentState)

	run, err := f.workflows.Find(ctx, models.WorkflowPaymentRecovery, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSleeping, run.Status)

	f.clock.Advance(49 * time.Hour)
	f.tick(t)
	o, room = f.reload(t, order)
	assert.Equal(t, models.OrderCanceled, o.Status)
	assert.Equal(t, models.StateCanceled, room.CurrentState)
}

func TestRecoveryLeavesDealAloneWhenBuyerPaysAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	first := f.initiate(t, order, "pi_1")

	_, err := f.payments.MarkFailed(ctx, first.ID, "card_declined")
	require.NoError(t, err)
	f.tick(t)

	second := f.initiate(t, order, "pi_2")
	_, err = f.payments.MarkEscrowed(ctx, second.ID)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)
	f.tick(t)

	o, room := f.reload(t, order)
	assert.Equal(t, models.OrderPaid, o.Status)
	assert.Equal(t, models.StatePaymentAuthorized, room.CurrentState)

	run, err := f.workflows.Find(ctx, models.WorkflowPaymentRecovery, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestEscrowAfterDealCanceledStartsRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	p := f.initiate(t, order, "pi_1")

	var refundInput models.SettlementInput
	f.workflows.MustRegister(workflow.Definition{
		Name:    models.WorkflowEscrowRefund,
		Trigger: models.TriggerRefundRequested,
		Handler: func(wc *workflow.Context) error { return wc.Input(&refundInput) },
	})

	_, err := f.deals.Cancel(ctx, order.DealRoomID, buyer, "found another")
	require.NoError(t, err)
	_, err = f.payments.MarkEscrowed(ctx, p.ID)
	require.NoError(t, err)

	o, room := f.reload(t, order)
	assert.Equal(t, models.OrderPendingPayment, o.Status)
	assert.Equal(t, models.StateCanceled, room.CurrentState)

	run, err := f.workflows.Find(ctx, models.WorkflowEscrowRefund, order.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	f.tick(t)
	assert.Equal(t, p.ID, refundInput.PaymentID)
}

// ---------------- INGESTION ----------------

const webhookSecret = "whsec_test"

func stripeEvent(t *testing.T, eventType string, intent map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": intent},
	})
	require.NoError(t, err)
	return raw
}

func TestStripeWebhookEscrowsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	p := f.initiate(t, order, "pi_1")

	payload := stripeEvent(t, "payment_intent.amount_capturable_updated", map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"status":   "requires_capture",
		"metadata": map[string]string{"payment_id": p.ID, "order_id": order.ID},
	})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})

	require.NoError(t, f.payments.HandleStripeWebhook(ctx, payload, signed.Header, webhookSecret))
	reloaded, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEscrowed, reloaded.Status)

	err = f.payments.HandleStripeWebhook(ctx, payload, "t=1,v1=deadbeef", webhookSecret)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))

	err = f.payments.HandleStripeWebhook(ctx, payload, signed.Header, "")
	assert.Equal(t, http.StatusInternalServerError, apperrors.StatusCode(err))
}

func TestStripeWebhookIgnoresUnhandledTypes(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret, Timestamp: time.Now()})
	assert.NoError(t, f.payments.HandleStripeWebhook(context.Background(), payload, signed.Header, webhookSecret))
}

func TestEventConsumerAppliesKafkaMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, 500)
	p := f.initiate(t, order, "pi_1")
	consumer := payment.NewEventConsumer(nil, f.payments, nil)

	value, err := json.Marshal(models.PaymentEvent{Type: "payment.updated", PaymentID: p.ID, Status: "requires_action"})
	require.NoError(t, err)
	require.NoError(t, consumer.Handle(ctx, kafka.Message{Topic: "payments", Value: value}))

	reloaded, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRequiresAction, reloaded.Status)
	assert.False(t, reloaded.RequiresActionAt.IsZero())

	assert.NoError(t, consumer.Handle(ctx, kafka.Message{Topic: "payments", Value: []byte("{not json")}))
}

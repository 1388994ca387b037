package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-dealroom/internal/api"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/escrow"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/payment/paymenttest"
	"ms-dealroom/internal/sse"
	"ms-dealroom/internal/store/storetest"
	"ms-dealroom/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	secret   = "test-secret"
	buyer    = "buyer-1"
	seller   = "seller-1"
	bidder   = "bidder-2"
	operator = "ops-1"
)

type fixture struct {
	srv      *httptest.Server
	clock    *clock.Fake
	auctions *auction.Engine
	provider *paymenttest.Provider
	broker   *sse.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	clk := storetest.Clock()
	workflows := workflow.NewEngine(db, workflow.WithClock(clk), workflow.WithOwner("test-worker"), workflow.WithConcurrency(1))
	machine := deal.NewMachine(db, clk, nil)
	deals := deal.NewService(db, machine, workflows, clk, nil, deal.Options{DisputeWindow: 72 * time.Hour})
	provider := &paymenttest.Provider{}
	payments := payment.NewService(db, provider, machine, workflows, clk, nil, payment.Options{RetryWindow: 48 * time.Hour})
	controller := escrow.NewController(db, provider, machine, workflows, clk, nil, escrow.Options{})
	auctions := auction.NewEngine(db, deals, workflows, nil, clk, nil)
	workflows.MustRegister(payments.RecoveryDefinition(), auctions.AutoCloseDefinition())
	workflows.MustRegister(controller.Definitions()...)

	authn, err := auth.NewAuthenticator(context.Background(), auth.Options{DevSecret: secret, Operators: []string{operator}}, nil)
	require.NoError(t, err)
	broker := sse.NewBroker()

	h := &api.Handler{
		Deals:               deals,
		Auctions:            auctions,
		Payments:            payments,
		Escrow:              controller,
		Workflows:           workflows,
		Broker:              broker,
		Auth:                authn,
		Logger:              logger.Discard(),
		StripeWebhookSecret: "whsec_test",
		Heartbeat:           time.Hour,
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { provider.AssertExpectations(t) })
	return &fixture{srv: srv, clock: clk, auctions: auctions, provider: provider, broker: broker}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Details map[string]any  `json:"details"`
}

func (f *fixture) do(t *testing.T, user, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		token, err := auth.SignDevToken(secret, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func data[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (f *fixture) openRoom(t *testing.T) models.DealRoom {
	t.Helper()
	status, env := f.do(t, buyer, http.MethodPost, "/api/deal-rooms", deal.OpenRequest{
		ListingID: "listing-1", BuyerID: buyer, SellerID: seller,
	})
	require.Equal(t, http.StatusCreated, status)
	return data[models.DealRoom](t, env)
}

func TestRoutesRequireBearerToken(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, "", http.MethodGet, "/api/auctions/a-1", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestOpenRoomOnlyForItsParties(t *testing.T) {
	f := newFixture(t)
	status, env := f.do(t, "stranger", http.MethodPost, "/api/deal-rooms", deal.OpenRequest{
		ListingID: "listing-1", BuyerID: buyer, SellerID: seller,
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ACTION_NOT_ALLOWED", env.Code)

	status, env = f.do(t, buyer, http.MethodPost, "/api/deal-rooms", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Code)
}

func TestOfferAndPaymentOverHTTP(t *testing.T) {
	f := newFixture(t)
	room := f.openRoom(t)

	status, env := f.do(t, seller, http.MethodGet, "/api/deal-rooms/"+room.ID+"/actions", nil)
	require.Equal(t, http.StatusOK, status)
	actions := data[struct {
		CurrentState string   `json:"current_state"`
		Actions      []string `json:"actions"`
	}](t, env)
	assert.Equal(t, "negotiation", actions.CurrentState)
	assert.Equal(t, []string{"accept_offer", "start_auction", "cancel_deal"}, actions.Actions)

	offer := map[string]any{"offer_id": "offer-1", "terms": map[string]any{"type": "cash", "amount": 500}}
	status, env = f.do(t, buyer, http.MethodPost, "/api/deal-rooms/"+room.ID+"/accept", offer)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ACTION_NOT_ALLOWED", env.Code)
	assert.Equal(t, "negotiation", env.Details["current_state"])
	assert.Equal(t, "accept_offer", env.Details["action"])

	status, env = f.do(t, seller, http.MethodPost, "/api/deal-rooms/"+room.ID+"/accept", offer)
	require.Equal(t, http.StatusCreated, status)
	order := data[models.Order](t, env)
	assert.Equal(t, models.OrderPendingPayment, order.Status)
	assert.Equal(t, int64(500), order.TotalAmount)

	status, env = f.do(t, seller, http.MethodPost, "/api/deal-rooms/"+room.ID+"/transitions",
		map[string]any{"target_state": "in_delivery", "metadata": map[string]any{"tracking": "T-1"}})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "payment_pending", env.Details["current_state"])

	f.provider.On("CreateIntent", mock.Anything, mock.AnythingOfType("payment.IntentRequest")).
		Return(&payment.Intent{Ref: "pi_1", ClientSecret: "pi_1_secret", Status: models.PaymentCreated}, nil).Once()
	status, env = f.do(t, buyer, http.MethodPost, "/api/orders/"+order.ID+"/payments", nil)
	require.Equal(t, http.StatusCreated, status)
	p := data[models.Payment](t, env)
	assert.Equal(t, "pi_1_secret", p.ClientSecret)

	status, env = f.do(t, buyer, http.MethodPost, "/api/orders/"+order.ID+"/payments", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "PAYMENT_IN_PROGRESS", env.Code)
}

func TestAuctionBiddingOverHTTP(t *testing.T) {
	f := newFixture(t)
	room := f.openRoom(t)

	status, env := f.do(t, seller, http.MethodPost, "/api/deal-rooms/"+room.ID+"/auction", map[string]any{
		"start_price": 100, "min_increment": 10, "duration_minutes": 60, "invitee_ids": []string{bidder},
	})
	require.Equal(t, http.StatusCreated, status)
	started := data[auction.StartResult](t, env)
	bids := "/api/auctions/" + started.AuctionID + "/bids"

	status, env = f.do(t, buyer, http.MethodPost, bids, map[string]any{"amount": 50})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BID_TOO_LOW", env.Code)
	assert.EqualValues(t, 100, env.Details["min_required"])

	status, _ = f.do(t, buyer, http.MethodPost, bids, map[string]any{"amount": 100})
	assert.Equal(t, http.StatusCreated, status)

	status, env = f.do(t, bidder, http.MethodPost, bids, map[string]any{"amount": 105})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.EqualValues(t, 110, env.Details["min_required"])

	status, env = f.do(t, "stranger", http.MethodPost, bids, map[string]any{"amount": 500})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_INVITED", env.Code)

	status, env = f.do(t, bidder, http.MethodGet, "/api/auctions/"+started.AuctionID, nil)
	require.Equal(t, http.StatusOK, status)
	snap := data[auction.Snapshot](t, env)
	require.NotNil(t, snap.HighestBid)
	assert.Equal(t, int64(100), snap.HighestBid.Amount)
	assert.Equal(t, int64(110), snap.MinNextBid)

	status, _ = f.do(t, "stranger", http.MethodGet, "/api/auctions/"+started.AuctionID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, buyer, http.MethodPost, "/api/auctions/"+started.AuctionID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = f.do(t, seller, http.MethodPost, "/api/auctions/"+started.AuctionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.AuctionCancelled, data[models.Auction](t, env).State)
}

func TestExpiredAuctionSnapshotChecksParticipantFirst(t *testing.T) {
	f := newFixture(t)
	room := f.openRoom(t)

	status, env := f.do(t, seller, http.MethodPost, "/api/deal-rooms/"+room.ID+"/auction", map[string]any{
		"start_price": 100, "min_increment": 10, "duration_minutes": 60, "invitee_ids": []string{bidder},
	})
	require.Equal(t, http.StatusCreated, status)
	started := data[auction.StartResult](t, env)
	status, _ = f.do(t, bidder, http.MethodPost, "/api/auctions/"+started.AuctionID+"/bids", map[string]any{"amount": 150})
	require.Equal(t, http.StatusCreated, status)
	f.clock.Advance(61 * time.Minute)

	status, env = f.do(t, "stranger", http.MethodGet, "/api/auctions/"+started.AuctionID, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_INVITED", env.Code)
	a, err := f.auctions.Get(context.Background(), started.AuctionID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionActive, a.State)

	status, _ = f.do(t, bidder, http.MethodGet, "/api/auctions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = f.do(t, bidder, http.MethodGet, "/api/auctions/"+started.AuctionID, nil)
	require.Equal(t, http.StatusOK, status)
	snap := data[auction.Snapshot](t, env)
	assert.Equal(t, models.AuctionClosed, snap.State)
	assert.Equal(t, bidder, snap.WinnerID)
}

func TestOperatorRoutes(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, buyer, http.MethodGet, "/api/ops/workflows/stuck", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, env := f.do(t, operator, http.MethodGet, "/api/ops/workflows/stuck", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))

	status, env = f.do(t, operator, http.MethodPost, "/api/ops/workflows/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Code)

	status, _ = f.do(t, buyer, http.MethodPost, "/api/disputes/d-1/resolve", map[string]string{"resolution": "refund"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/webhooks/stripe", strings.NewReader(`{"type":"payment_intent.succeeded"}`))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamReplaysHistoryThenFollows(t *testing.T) {
	f := newFixture(t)
	room := f.openRoom(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/deal-rooms/"+room.ID+"/events", nil)
	require.NoError(t, err)
	token, err := auth.SignDevToken(secret, seller, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(want string) {
		t.Helper()
		for lines.Scan() {
			if lines.Text() == want {
				return
			}
		}
		t.Fatalf("stream ended before %q: %v", want, lines.Err())
	}
	waitFor("event: connected")
	waitFor("event: " + models.EventDealOpened)

	require.Eventually(t, func() bool { return f.broker.ClientCount(room.ID) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.broker.Publish(context.Background(), models.DealEvent{
		ID: 1000, DealRoomID: room.ID, ActorID: seller, EventType: models.EventStateChanged,
	}))
	waitFor("id: 1000")
	waitFor("event: " + models.EventStateChanged)
}

func TestStreamRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	room := f.openRoom(t)
	status, env := f.do(t, "stranger", http.MethodGet, "/api/deal-rooms/"+room.ID+"/events", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, api.CodeNotParticipant, env.Code)
}

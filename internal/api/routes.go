package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router wires every route. Everything except the Stripe webhook requires a
// bearer token; dispute resolution and the ops routes require an operator.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/webhooks/stripe", h.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware())

		r.Post("/api/deal-rooms", h.OpenDealRoom)
		r.Get("/api/deal-rooms/{id}", h.GetDealRoom)
		r.Get("/api/deal-rooms/{id}/actions", h.AvailableActions)
		r.Post("/api/deal-rooms/{id}/transitions", h.TransitionDealRoom)
		r.Post("/api/deal-rooms/{id}/accept", h.AcceptOffer)
		r.Post("/api/deal-rooms/{id}/disputes", h.OpenDispute)
		r.Get("/api/deal-rooms/{id}/events", h.StreamDealRoomEvents)
		r.Post("/api/deal-rooms/{id}/auction", h.StartAuction)

		r.Post("/api/auctions/{id}/bids", h.PlaceBid)
		r.Post("/api/auctions/{id}/cancel", h.CancelAuction)
		r.Get("/api/auctions/{id}", h.AuctionSnapshot)

		r.Post("/api/orders/{id}/payments", h.InitiatePayment)
		r.Post("/api/orders/{id}/confirm-delivery", h.ConfirmDelivery)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.RequireOperator)
			r.Post("/api/disputes/{id}/resolve", h.ResolveDispute)
			r.Get("/api/ops/workflows/stuck", h.StuckWorkflows)
			r.Post("/api/ops/workflows/{id}/retry", h.RetryWorkflow)
		})
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start).String())
	})
}

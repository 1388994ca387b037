package api

import (
	"fmt"
	"io"
	"net/http"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/auth"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Initiate(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Payment initiated", p)
}

func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	order, err := h.Escrow.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Delivery confirmed", order)
}

func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.fail(w, r, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("Error reading request body: %v", err)))
		return
	}
	if err := h.Payments.HandleStripeWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"), h.StripeWebhookSecret); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Workflows.Kick()
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

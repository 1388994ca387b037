// Package api exposes the deal room commands and reads over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/escrow"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/sse"
	"ms-dealroom/internal/utils"
	"ms-dealroom/internal/workflow"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 65536

	CodeNotParticipant = "NOT_PARTICIPANT"
)

type Handler struct {
	Deals     *deal.Service
	Auctions  *auction.Engine
	Payments  *payment.Service
	Escrow    *escrow.Controller
	Workflows *workflow.Engine
	Broker    *sse.Broker
	Auth      *auth.Authenticator
	Logger    *logger.Logger

	// StripeWebhookSecret verifies deliveries to the webhook route.
	StripeWebhookSecret string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, utils.SuccessResponse(message, data))
}

// fail maps err onto the response. Only PublicError and Details reach the
// client; the internal message is logged for server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.StatusCode(err)
	appErr, ok := apperrors.As(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s %s rejected: %v", r.Method, r.URL.Path, err))
	}
	if !ok {
		writeJSON(w, http.StatusInternalServerError, utils.CodedErrorResponse("internal server error", "INTERNAL", nil))
		return
	}
	writeJSON(w, status, utils.CodedErrorResponse(appErr.PublicError, appErr.Code, appErr.Details))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeBody(w, r, v, true)
}

// decodeOptional accepts an empty body for commands whose fields are all optional.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeBody(w, r, v, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if !required {
			return nil
		}
		return apperrors.Validation(apperrors.CodeInvalidInput, "request body is required")
	default:
		return apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("invalid request body: %v", err))
	}
}

func notParticipant() error {
	return apperrors.Authorization(CodeNotParticipant, "not a participant of this deal room")
}

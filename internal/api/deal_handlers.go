package api

import (
	"net/http"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/models"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) OpenDealRoom(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	var req deal.OpenRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.BuyerID != userID && req.SellerID != userID {
		h.fail(w, r, apperrors.Authorization(apperrors.CodeActionNotAllowed, "deal rooms are opened by their buyer or seller"))
		return
	}
	room, err := h.Deals.Open(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Deal room opened", room)
}

type dealRoomView struct {
	*models.DealRoom
	Actions []deal.Action `json:"actions"`
}

func (h *Handler) GetDealRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := auth.UserID(r.Context())
	ok, err := h.Deals.IsParticipant(r.Context(), roomID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, notParticipant())
		return
	}
	room, err := h.Deals.Get(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Deal room", dealRoomView{DealRoom: room, Actions: deal.Available(room, userID)})
}

type actionsResponse struct {
	DealRoomID   string           `json:"deal_room_id"`
	CurrentState models.DealState `json:"current_state"`
	Actions      []deal.Action    `json:"actions"`
}

func (h *Handler) AvailableActions(w http.ResponseWriter, r *http.Request) {
	room, err := h.Deals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Available actions", actionsResponse{
		DealRoomID:   room.ID,
		CurrentState: room.CurrentState,
		Actions:      deal.Available(room, auth.UserID(r.Context())),
	})
}

type transitionRequest struct {
	TargetState models.DealState `json:"target_state"`
	Metadata    map[string]any   `json:"metadata"`
}

func (h *Handler) TransitionDealRoom(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	room, err := h.Deals.RequestTransition(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.TargetState, req.Metadata)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Deal room updated", room)
}

func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req deal.AcceptOfferRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.Deals.AcceptOffer(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Offer accepted", order)
}

type disputeRequest struct {
	Reason     string                   `json:"reason"`
	Resolution models.DisputeResolution `json:"resolution"`
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	dispute, err := h.Deals.OpenDispute(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Dispute opened", dispute)
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	dispute, err := h.Deals.ResolveDispute(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.Resolution)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Workflows.Kick()
	h.respond(w, http.StatusOK, "Dispute resolved", dispute)
}

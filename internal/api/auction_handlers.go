package api

import (
	"net/http"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/auth"

	"github.com/go-chi/chi/v5"
)

type startAuctionRequest struct {
	StartPrice      int64    `json:"start_price"`
	MinIncrement    int64    `json:"min_increment"`
	DurationMinutes int      `json:"duration_minutes"`
	InviteeIDs      []string `json:"invitee_ids"`
}

func (h *Handler) StartAuction(w http.ResponseWriter, r *http.Request) {
	var req startAuctionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Auctions.Start(r.Context(), auction.StartRequest{
		DirectDealRoomID: chi.URLParam(r, "id"),
		SellerID:         auth.UserID(r.Context()),
		StartPrice:       req.StartPrice,
		MinIncrement:     req.MinIncrement,
		DurationMinutes:  req.DurationMinutes,
		InviteeIDs:       req.InviteeIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Auction started", res)
}

type bidRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Auctions.PlaceBid(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, "Bid accepted", res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptional(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.Auctions.Cancel(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Auction cancelled", a)
}

// AuctionSnapshot is readable by the auction room's participants: the
// seller, the buyer it replaced and the invitees.
// Participation is checked before Snapshot, which may close an expired auction.
func (h *Handler) AuctionSnapshot(w http.ResponseWriter, r *http.Request) {
	a, err := h.Auctions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok, err := h.Deals.IsParticipant(r.Context(), a.DealRoomID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, apperrors.NotInvited())
		return
	}
	snap, err := h.Auctions.Snapshot(r.Context(), a.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, "Auction snapshot", snap)
}

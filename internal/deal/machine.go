// Package deal owns the deal room lifecycle: the state graph, who may act
// in which state, and the offer, shipping, cancel and dispute commands
// built on it.
package deal

import (
	"context"
	"fmt"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"

	"github.com/uptrace/bun"
)

// transitions is the adjacency table of the deal room state graph.
var transitions = map[models.DealState][]models.DealState{
	models.StateNegotiation:   {models.StateOfferAccepted, models.StateCanceled},
	models.StateOfferAccepted: {models.StatePaymentPending, models.StateCanceled},
	models.StatePaymentPending: {
		models.StatePaymentAuthorized, models.StateCanceled,
	},
	models.StatePaymentAuthorized: {
		models.StateInDelivery, models.StateCompleted, models.StateDisputeOpened,
		models.StatePaymentPending, models.StateCanceled,
	},
	models.StateInDelivery:      {models.StateCompleted, models.StateDisputeOpened, models.StateCanceled},
	models.StateDisputeOpened:   {models.StateDisputeResolved, models.StateCanceled},
	models.StateDisputeResolved: {models.StateCompleted, models.StateCanceled},
	models.StateCompleted:       nil,
	models.StateCanceled:        nil,
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to models.DealState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Machine struct {
	db    *store.DB
	clock clock.Clock
	log   *logger.Logger
}

func NewMachine(db *store.DB, clk clock.Clock, log *logger.Logger) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Machine{db: db, clock: clk, log: log}
}

// Transition moves the room to target in its own transaction.
func (m *Machine) Transition(ctx context.Context, roomID string, target models.DealState, actorID string, patch map[string]any) (*models.DealRoom, error) {
	var room *models.DealRoom
	err := m.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		room, err = m.ApplyTx(ctx, tx, roomID, target, actorID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ApplyTx re-reads the room under lock, validates the edge, persists the new
// state with the merged metadata and appends a state.changed event.
func (m *Machine) ApplyTx(ctx context.Context, tx bun.IDB, roomID string, target models.DealState, actorID string, patch map[string]any) (*models.DealRoom, error) {
	if !target.Valid() {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("unknown deal state %q", target))
	}
	room, err := store.LockDealRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Superseded() {
		return nil, apperrors.Conflict("ROOM_SUPERSEDED",
			fmt.Sprintf("deal room was superseded by auction %s", room.SupersededByAuctionID))
	}
	from := room.CurrentState
	if !CanTransition(from, target) {
		return nil, apperrors.InvalidTransition(string(from), string(target))
	}

	now := m.clock.Now()
	if room.Metadata == nil {
		room.Metadata = map[string]any{}
	}
	for k, v := range patch {
		room.Metadata[k] = v
	}
	room.CurrentState = target
	room.UpdatedAt = now
	if err := store.UpdateDealRoom(ctx, tx, room, "current_state", "metadata"); err != nil {
		return nil, err
	}
	if _, err := store.AppendEvent(ctx, tx, room.ID, actorID, models.EventStateChanged, map[string]any{
		"from_state": string(from),
		"to_state":   string(target),
		"actor_id":   actorID,
	}, now); err != nil {
		return nil, err
	}

	m.log.LogDeal("transition", room.ID, fmt.Sprintf("%s -> %s by %s", from, target, actorID))
	return room, nil
}

// CanPerformAction is the authorization primitive of every mutating command.
func (m *Machine) CanPerformAction(ctx context.Context, roomID, userID string, action Action) (bool, error) {
	room, err := store.GetDealRoom(ctx, m.db.Bun, roomID)
	if err != nil {
		return false, err
	}
	return Permits(room, userID, action), nil
}

func (m *Machine) AvailableActions(ctx context.Context, roomID, userID string) ([]Action, error) {
	room, err := store.GetDealRoom(ctx, m.db.Bun, roomID)
	if err != nil {
		return nil, err
	}
	return Available(room, userID), nil
}

package deal

import (
	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/models"
)

type Action string

const (
	ActionAcceptOffer     Action = "accept_offer"
	ActionStartAuction    Action = "start_auction"
	ActionCancelAuction   Action = "cancel_auction"
	ActionMakePayment     Action = "make_payment"
	ActionMarkShipped     Action = "mark_shipped"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionOpenDispute     Action = "open_dispute"
	ActionCancelDeal      Action = "cancel_deal"
)

// AllActions fixes the order AvailableActions reports in.
var AllActions = []Action{
	ActionAcceptOffer,
	ActionStartAuction,
	ActionCancelAuction,
	ActionMakePayment,
	ActionMarkShipped,
	ActionConfirmDelivery,
	ActionOpenDispute,
	ActionCancelDeal,
}

type rule struct {
	action Action
	roles  []models.ParticipantRole
	states []models.DealState
	// kind limits the rule to one room kind; empty matches both.
	kind models.DealRoomKind
}

var (
	buyerOrSeller = []models.ParticipantRole{models.RoleBuyer, models.RoleSeller}
	sellerOnly    = []models.ParticipantRole{models.RoleSeller}
	buyerOnly     = []models.ParticipantRole{models.RoleBuyer}
)

func nonTerminal(except ...models.DealState) []models.DealState {
	var out []models.DealState
outer:
	for _, s := range models.AllDealStates {
		if s.Terminal() {
			continue
		}
		for _, e := range except {
			if s == e {
				continue outer
			}
		}
		out = append(out, s)
	}
	return out
}

// rules is the single source for both Permits and Available.
var rules = []rule{
	{ActionAcceptOffer, sellerOnly, []models.DealState{models.StateNegotiation}, models.RoomDirect},
	{ActionStartAuction, sellerOnly, []models.DealState{models.StateNegotiation}, models.RoomDirect},
	{ActionCancelAuction, sellerOnly, []models.DealState{models.StateNegotiation}, models.RoomAuction},
	{ActionMakePayment, buyerOnly, []models.DealState{models.StatePaymentPending}, ""},
	{ActionMarkShipped, sellerOnly, []models.DealState{models.StatePaymentAuthorized}, ""},
	{ActionConfirmDelivery, buyerOnly, []models.DealState{models.StateInDelivery}, ""},
	{ActionOpenDispute, buyerOrSeller, []models.DealState{models.StatePaymentAuthorized, models.StateInDelivery}, ""},
	{ActionCancelDeal, buyerOrSeller, nonTerminal(), models.RoomDirect},
	// Bidding is ended through cancel_auction, not cancel_deal.
	{ActionCancelDeal, buyerOrSeller, nonTerminal(models.StateNegotiation), models.RoomAuction},
}

// rolesOf derives the user's roles from the room's buyer and seller.
func rolesOf(room *models.DealRoom, userID string) []models.ParticipantRole {
	if userID == "" {
		return nil
	}
	var roles []models.ParticipantRole
	if room.SellerID == userID {
		roles = append(roles, models.RoleSeller)
	}
	if room.BuyerID == userID {
		roles = append(roles, models.RoleBuyer)
	}
	return roles
}

func (r rule) matches(room *models.DealRoom, roles []models.ParticipantRole) bool {
	if r.kind != "" && r.kind != room.Kind {
		return false
	}
	stateOK := false
	for _, s := range r.states {
		if s == room.CurrentState {
			stateOK = true
			break
		}
	}
	if !stateOK {
		return false
	}
	for _, want := range r.roles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Permits reports whether userID may perform action on room in its current state.
func Permits(room *models.DealRoom, userID string, action Action) bool {
	if room.Superseded() {
		return false
	}
	roles := rolesOf(room, userID)
	for _, r := range rules {
		if r.action == action && r.matches(room, roles) {
			return true
		}
	}
	return false
}

// Available lists every action Permits allows, in AllActions order.
func Available(room *models.DealRoom, userID string) []Action {
	out := []Action{}
	for _, a := range AllActions {
		if Permits(room, userID, a) {
			out = append(out, a)
		}
	}
	return out
}

// Authorize returns ActionNotAllowed carrying the current state when Permits is false.
func Authorize(room *models.DealRoom, userID string, action Action) error {
	if Permits(room, userID, action) {
		return nil
	}
	return apperrors.ActionNotAllowed(string(action), string(room.CurrentState))
}

// userTransitions maps the targets a participant may request directly to the
// action that authorizes them. Other targets are reached only through
// commands or the scheduler.
var userTransitions = map[models.DealState]Action{
	models.StateOfferAccepted: ActionAcceptOffer,
	models.StateInDelivery:    ActionMarkShipped,
	models.StateDisputeOpened: ActionOpenDispute,
	models.StateCanceled:      ActionCancelDeal,
}

func ActionForTarget(target models.DealState) (Action, bool) {
	a, ok := userTransitions[target]
	return a, ok
}

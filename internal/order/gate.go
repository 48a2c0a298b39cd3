package order

import (
	"sort"

	"github.com/mbd888/accountmarket/internal/auth"
)

// Action is something a viewer can attempt on an order.
type Action string

const (
	ActionConfirmReceipt Action = "confirm_receipt"
	ActionOpenDispute    Action = "open_dispute"
	ActionCancel         Action = "cancel"
	ActionViewDispute    Action = "view_dispute"
)

// ActionSet is the set of actions currently offered to a viewer.
type ActionSet map[Action]struct{}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// List returns the actions in a stable order for rendering.
func (s ActionSet) List() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AvailableActions computes which actions the viewer may attempt on o.
// The result is advisory: the marketplace re-checks every request. It must
// be recomputed from the latest snapshot each time it is rendered.
func AvailableActions(o *Order, v auth.Viewer) ActionSet {
	set := ActionSet{}
	if o == nil || v.Anonymous() || !o.IsParty(v.ID) {
		return set
	}

	if o.Status == StatusEscrowHold && v.ID == o.BuyerID {
		set[ActionConfirmReceipt] = struct{}{}
	}

	if o.Status == StatusEscrowHold && !o.HasDispute() {
		set[ActionOpenDispute] = struct{}{}
	}

	if o.HasDispute() {
		set[ActionViewDispute] = struct{}{}
	}

	// Self-service cancellation is only offered on edges a buyer or seller
	// may trigger; admin-only cancellation in escrow is never exposed here.
	if RoleMayTransition(o.PartyRole(v.ID), o.Status, StatusCancelled) {
		set[ActionCancel] = struct{}{}
	}

	return set
}

// PartyRole maps a user to the transition role they hold on this order.
func (o *Order) PartyRole(userID string) Role {
	switch o.PartyOf(userID) {
	case PartyBuyer:
		return RoleBuyer
	case PartySeller:
		return RoleSeller
	}
	return ""
}

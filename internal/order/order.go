// Package order defines the marketplace order lifecycle as the client sees it.
//
// Flow:
//  1. Buyer purchases a listing → order created in payment_intent
//  2. Gateway confirms payment → paid, then escrow_hold with a release deadline
//  3. Buyer confirms receipt → completed
//  4. Buyer or seller opens a dispute → disputed, later resolved or cancelled
//  5. Pre-escrow cancellation or admin cancellation → cancelled
//
// The server owns every transition. This package only validates what it
// receives and derives which actions a viewer may attempt.
package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownStatus      = errors.New("order: unknown status")
	ErrSelfDealing        = errors.New("order: buyer and seller must differ")
	ErrReleaseAtMismatch  = errors.New("order: escrow release time inconsistent with status")
	ErrDisputeIDMismatch  = errors.New("order: dispute reference inconsistent with status")
	ErrIncoherentProgress = errors.New("order: status regressed or skipped an impossible edge")
	ErrAmountChanged      = errors.New("order: amount changed after creation")
)

// ListingStatus is the availability of a listing.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
	ListingHidden ListingStatus = "hidden"
)

// Listing is a single account offered for sale.
type Listing struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Category  string        `json:"category"`
	Price     float64       `json:"price"`
	SellerID  string        `json:"seller_id"`
	Status    ListingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ListingSnapshot is the part of a listing frozen into an order.
// Credentials stay empty until the server reveals them to the buyer.
type ListingSnapshot struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Credentials string `json:"credentials,omitempty"`
}

// Order is a single purchase transaction.
type Order struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Amount          float64         `json:"amount"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	Listing         ListingSnapshot `json:"listing"`
	EscrowReleaseAt *time.Time      `json:"escrow_release_at,omitempty"`
	DisputeID       string          `json:"dispute_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// PartyOf returns the side userID is on, or "" if not a party.
func (o *Order) PartyOf(userID string) Party {
	switch {
	case userID == "":
		return ""
	case userID == o.BuyerID:
		return PartyBuyer
	case userID == o.SellerID:
		return PartySeller
	}
	return ""
}

// HasDispute reports whether a dispute was ever attached to the order.
func (o *Order) HasDispute() bool {
	return o.DisputeID != ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	cp := *o
	if o.EscrowReleaseAt != nil {
		t := *o.EscrowReleaseAt
		cp.EscrowReleaseAt = &t
	}
	return &cp
}

// Validate checks the invariants a single order snapshot must satisfy.
func Validate(o *Order) error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, o.Status)
	}
	if o.BuyerID == o.SellerID {
		return ErrSelfDealing
	}

	switch o.Status {
	case StatusPaymentIntent, StatusPaid:
		if o.EscrowReleaseAt != nil {
			return fmt.Errorf("%w: %s order has a release time", ErrReleaseAtMismatch, o.Status)
		}
		if o.DisputeID != "" {
			return fmt.Errorf("%w: %s order has a dispute", ErrDisputeIDMismatch, o.Status)
		}
	case StatusEscrowHold, StatusCompleted:
		// completed is only reachable through escrow_hold
		if o.EscrowReleaseAt == nil {
			return fmt.Errorf("%w: %s order lacks a release time", ErrReleaseAtMismatch, o.Status)
		}
	case StatusDisputed:
		if o.EscrowReleaseAt == nil {
			return fmt.Errorf("%w: disputed order lacks a release time", ErrReleaseAtMismatch)
		}
		if o.DisputeID == "" {
			return fmt.Errorf("%w: disputed order lacks a dispute", ErrDisputeIDMismatch)
		}
	case StatusCancelled:
		// cancelled may come from payment_intent (no escrow) or later states
		if o.DisputeID != "" && o.EscrowReleaseAt == nil {
			return fmt.Errorf("%w: dispute without escrow history", ErrDisputeIDMismatch)
		}
	}
	return nil
}

// ValidateProgress checks that next is a coherent successor of prev for the
// same order.
func ValidateProgress(prev, next *Order) error {
	if err := Validate(next); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if prev.Amount != next.Amount {
		return ErrAmountChanged
	}
	if !Reachable(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s → %s", ErrIncoherentProgress, prev.Status, next.Status)
	}
	if prev.DisputeID != "" && next.DisputeID != prev.DisputeID {
		return fmt.Errorf("%w: dispute reference changed", ErrDisputeIDMismatch)
	}
	if prev.EscrowReleaseAt != nil {
		if next.EscrowReleaseAt == nil || !next.EscrowReleaseAt.Equal(*prev.EscrowReleaseAt) {
			return fmt.Errorf("%w: release time changed", ErrReleaseAtMismatch)
		}
	}
	return nil
}

// ViolationLabel names the invariant err broke, for metrics.
func ViolationLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnknownStatus):
		return "unknown_status"
	case errors.Is(err, ErrSelfDealing):
		return "self_dealing"
	case errors.Is(err, ErrReleaseAtMismatch):
		return "release_at"
	case errors.Is(err, ErrDisputeIDMismatch):
		return "dispute_ref"
	case errors.Is(err, ErrIncoherentProgress):
		return "regression"
	case errors.Is(err, ErrAmountChanged):
		return "amount_changed"
	}
	return "other"
}

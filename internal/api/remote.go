// Package api is the boundary to the remote marketplace API.
//
// The marketplace owns every order and dispute. Calls are made on behalf of
// the viewer attached to the context (auth.WithViewer); the HTTP client
// forwards the viewer's bearer token and the in-memory backend uses the
// viewer to apply the same ownership rules the real server does.
package api

import (
	"context"

	"github.com/mbd888/accountmarket/internal/order"
)

// Remote is the set of marketplace operations the client depends on.
type Remote interface {
	CreateOrder(ctx context.Context, listingID string) (*order.Order, error)
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	// UpdateOrder requests a status change. The client only uses it for
	// receipt confirmation (escrow_hold → completed).
	UpdateOrder(ctx context.Context, orderID string, status order.Status) (*order.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*order.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*order.Order, error)
	GetListing(ctx context.Context, listingID string) (*order.Listing, error)

	CreatePaymentLink(ctx context.Context, orderID string) (*PaymentLink, error)
	CreateHostedCheckout(ctx context.Context, orderID string) (*HostedCheckout, error)
	GetHostedCheckoutStatus(ctx context.Context, resourcePath, orderID string) (*HostedCheckoutStatus, error)

	CreateDispute(ctx context.Context, req CreateDisputeRequest) (*order.Dispute, error)
	GetDispute(ctx context.Context, disputeID string) (*order.Dispute, error)
	CancelDispute(ctx context.Context, disputeID string) (*order.Dispute, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*order.Dispute, error)
}

// OrderFilter narrows ListOrders to the viewer's orders matching every set field.
type OrderFilter struct {
	Status     order.Status `json:"status,omitempty"`
	Side       order.Party  `json:"side,omitempty"` // buyer or seller; empty = both
	HasDispute *bool        `json:"has_dispute,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Cursor     string       `json:"cursor,omitempty"` // from pagination.Encode; empty = first page
}

// Matches reports whether o passes the filter for viewerID.
func (f OrderFilter) Matches(o *order.Order, viewerID string) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Side != "" && o.PartyOf(viewerID) != f.Side {
		return false
	}
	if f.HasDispute != nil && o.HasDispute() != *f.HasDispute {
		return false
	}
	return true
}

// DisputeFilter narrows ListDisputes.
type DisputeFilter struct {
	Status  order.DisputeStatus `json:"status,omitempty"`
	OrderID string              `json:"order_id,omitempty"`
}

// Matches reports whether d passes the filter.
func (f DisputeFilter) Matches(d *order.Dispute) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.OrderID != "" && d.OrderID != f.OrderID {
		return false
	}
	return true
}

// PaymentLink is a redirect payment handle.
type PaymentLink struct {
	PaymentURL string `json:"payment_url"`
}

// HostedCheckout is a handle for the embedded card widget.
type HostedCheckout struct {
	CheckoutID      string `json:"checkout_id"`
	WidgetScriptURL string `json:"widget_script_url"`
	Integrity       string `json:"integrity,omitempty"`
}

// CheckoutOutcome is the verified result of a hosted checkout.
type CheckoutOutcome string

const (
	OutcomeSuccess CheckoutOutcome = "success"
	OutcomePending CheckoutOutcome = "pending"
	OutcomeFailed  CheckoutOutcome = "failed"
)

// HostedCheckoutStatus is returned by the status verification call.
type HostedCheckoutStatus struct {
	Status            CheckoutOutcome `json:"status"`
	ResultDescription string          `json:"result_description,omitempty"`
	IsRestrictedCard  bool            `json:"is_restricted_card,omitempty"`
}

// CreateDisputeRequest opens a dispute against one order.
type CreateDisputeRequest struct {
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

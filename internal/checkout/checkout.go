// Package checkout turns a payment_intent order into a paid one through one
// of two payment paths: a full-page redirect to a payment link, or a hosted
// card widget embedded in the page.
//
// Every path runs the same guards before touching the payment provider:
//   - the viewer is the order's buyer
//   - the buyer is not the listing's seller
//   - the order amount still matches the listing price
//   - the order is still awaiting payment
//
// The resulting status change is never assumed; callers refetch the order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/security"
	"github.com/mbd888/accountmarket/internal/traces"
	"github.com/mbd888/accountmarket/internal/validation"
)

var (
	ErrSelfPurchase        = errors.New("checkout: cannot buy your own listing")
	ErrNotBuyer            = errors.New("checkout: only the buyer can pay for this order")
	ErrNotAwaitingPayment  = errors.New("checkout: order is not awaiting payment")
	ErrListingUnavailable  = errors.New("checkout: listing is not available")
	ErrUnsafeRedirect      = errors.New("checkout: payment provider returned an unusable URL")
	ErrInvalidResourcePath = errors.New("checkout: invalid checkout resource path")
	ErrIncoherentOrder     = errors.New("checkout: order data is inconsistent")
)

// PriceMismatchError means the listing price changed after the order was
// created. The buyer is sent back to the listing instead of paying.
type PriceMismatchError struct {
	OrderID   string
	ListingID string
	Amount    float64
	Price     float64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("checkout: order %s amount %.2f no longer matches listing price %.2f",
		e.OrderID, e.Amount, e.Price)
}

// RedirectPath is where the page layer should send the buyer.
func (e *PriceMismatchError) RedirectPath() string {
	return "/listings/" + e.ListingID
}

// RedirectKind tags how a redirect URL was obtained.
type RedirectKind string

const (
	// RedirectCreated is a fresh payment link.
	RedirectCreated RedirectKind = "created"
	// RedirectExisting reuses the link of a payment already initiated for the order.
	RedirectExisting RedirectKind = "already_exists"
)

// Redirect is the result of starting the redirect payment path. Both kinds
// carry a URL the browser must follow; failures are returned as errors.
type Redirect struct {
	URL  string       `json:"redirect"`
	Kind RedirectKind `json:"kind"`
}

// Reused reports whether the redirect points at an earlier payment intent.
func (r Redirect) Reused() bool {
	return r.Kind == RedirectExisting
}

// HostedSession is what the page needs to render the hosted card widget.
type HostedSession struct {
	CheckoutID      string `json:"checkoutId"`
	WidgetScriptURL string `json:"widgetScriptUrl"`
	Integrity       string `json:"integrity,omitempty"`
	ResultURL       string `json:"resultUrl"`
}

// Config tunes the orchestrator.
type Config struct {
	// PriceEpsilon is the largest tolerated difference between order amount
	// and current listing price.
	PriceEpsilon float64
	// PublicBaseURL is the origin of the page layer. The hosted widget
	// returns the browser to a page under it.
	PublicBaseURL string
	// AllowHTTPRedirects accepts plain-http payment URLs (local demo only).
	AllowHTTPRedirects bool
}

// Orchestrator drives the checkout flows against the marketplace API.
type Orchestrator struct {
	remote api.Remote
	cfg    Config
	logger *slog.Logger

	// Concurrent duplicates of the same action share one in-flight call.
	createFlight   singleflight.Group
	redirectFlight singleflight.Group
	hostedFlight   singleflight.Group
	resultFlight   singleflight.Group
}

// NewOrchestrator creates a checkout orchestrator.
func NewOrchestrator(remote api.Remote, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.PriceEpsilon < 0 {
		cfg.PriceEpsilon = 0
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Orchestrator{
		remote: remote,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateOrder buys listingID for v. Self-purchase is rejected before the
// order is requested.
func (o *Orchestrator) CreateOrder(ctx context.Context, v auth.Viewer, listingID string) (*order.Order, error) {
	if errs := validation.Validate(
		validation.Required("listing_id", listingID),
		validation.ValidID("listing_id", listingID),
	); len(errs) > 0 {
		return nil, errs
	}
	traces.Annotate(ctx, traces.ListingID(listingID))
	ctx = auth.WithViewer(ctx, v)
	// Concurrent clicks share one call below. A click after the first one
	// returned, or a retry, replays the same key so the marketplace hands
	// back the same order. A page-supplied key narrows that to one submission.
	ctx = api.WithActionKey(ctx, v.ID, "create_order", listingID, api.IdempotencyKeyFrom(ctx))

	res, err, _ := o.createFlight.Do(v.ID+":"+listingID, func() (interface{}, error) {
		// Leaving the page does not abort a purchase already in flight.
		ctx := context.WithoutCancel(ctx)

		listing, err := o.remote.GetListing(ctx, listingID)
		if err != nil {
			return nil, err
		}
		if listing.SellerID == v.ID {
			return nil, ErrSelfPurchase
		}
		if listing.Status != order.ListingActive {
			return nil, ErrListingUnavailable
		}

		created, err := o.remote.CreateOrder(ctx, listingID)
		if err != nil {
			if api.IsCode(err, api.CodeSelfPurchase) {
				return nil, ErrSelfPurchase
			}
			return nil, err
		}
		if err := o.coherent(created); err != nil {
			return nil, err
		}
		o.logger.Info("order created", "orderId", created.ID, "listingId", listingID, "viewer", v.ID)
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*order.Order).Clone(), nil
}

// guard loads the order fresh and runs the pre-payment checks.
func (o *Orchestrator) guard(ctx context.Context, v auth.Viewer, orderID string) (*order.Order, error) {
	if errs := validation.Validate(validation.ValidID("order_id", orderID)); len(errs) > 0 {
		return nil, errs
	}
	traces.Annotate(ctx, traces.OrderID(orderID))

	ord, err := o.remote.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.BuyerID != v.ID {
		return nil, ErrNotBuyer
	}
	if ord.SellerID == v.ID {
		return nil, ErrSelfPurchase
	}
	if err := o.coherent(ord); err != nil {
		return nil, err
	}
	if ord.Status != order.StatusPaymentIntent {
		return nil, ErrNotAwaitingPayment
	}

	listing, err := o.remote.GetListing(ctx, ord.Listing.ID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == v.ID {
		return nil, ErrSelfPurchase
	}
	if math.Abs(ord.Amount-listing.Price) > o.cfg.PriceEpsilon {
		return nil, &PriceMismatchError{
			OrderID:   ord.ID,
			ListingID: listing.ID,
			Amount:    ord.Amount,
			Price:     listing.Price,
		}
	}
	return ord, nil
}

// StartRedirect requests a payment link for the order. When a payment was
// already initiated the existing link is returned tagged RedirectExisting,
// so no second payment intent is ever created.
func (o *Orchestrator) StartRedirect(ctx context.Context, v auth.Viewer, orderID string) (Redirect, error) {
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := o.redirectFlight.Do(v.ID+":"+orderID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		if _, err := o.guard(ctx, v, orderID); err != nil {
			return Redirect{}, err
		}

		link, err := o.remote.CreatePaymentLink(api.WithActionKey(ctx, v.ID, "create_payment_link", orderID, ""), orderID)
		var r Redirect
		switch {
		case err == nil:
			r = Redirect{URL: link.PaymentURL, Kind: RedirectCreated}
		case existingPaymentURL(err) != "":
			r = Redirect{URL: existingPaymentURL(err), Kind: RedirectExisting}
		default:
			return Redirect{}, err
		}

		if err := security.ValidateRedirectURL(r.URL, o.cfg.AllowHTTPRedirects); err != nil {
			o.logger.Warn("rejected payment redirect", "orderId", orderID, "error", err)
			return Redirect{}, fmt.Errorf("%w: %v", ErrUnsafeRedirect, err)
		}
		o.logger.Info("payment redirect", "orderId", orderID, "kind", r.Kind, "viewer", v.ID)
		return r, nil
	})

	metrics.CheckoutInitiationsTotal.WithLabelValues("redirect", resultLabel(err, res)).Inc()
	if err != nil {
		return Redirect{}, err
	}
	return res.(Redirect), nil
}

func existingPaymentURL(err error) string {
	var ae *api.Error
	if errors.As(err, &ae) && ae.Code == api.CodeAlreadyExists {
		return ae.PaymentURL
	}
	return ""
}

// StartHosted requests a hosted widget session for the order.
func (o *Orchestrator) StartHosted(ctx context.Context, v auth.Viewer, orderID string) (*HostedSession, error) {
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := o.hostedFlight.Do(v.ID+":"+orderID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		if _, err := o.guard(ctx, v, orderID); err != nil {
			return nil, err
		}
		hc, err := o.remote.CreateHostedCheckout(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := security.ValidateRedirectURL(hc.WidgetScriptURL, o.cfg.AllowHTTPRedirects); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsafeRedirect, err)
		}
		return &HostedSession{
			CheckoutID:      hc.CheckoutID,
			WidgetScriptURL: hc.WidgetScriptURL,
			Integrity:       hc.Integrity,
			ResultURL:       o.ResultURL(orderID),
		}, nil
	})

	metrics.CheckoutInitiationsTotal.WithLabelValues("hosted", resultLabel(err, nil)).Inc()
	if err != nil {
		return nil, err
	}
	cp := *res.(*HostedSession)
	return &cp, nil
}

// ResultURL is the page the widget sends the browser to once the card form
// completes, with the widget's resourcePath appended. It is a page route, not
// an API route: a navigation carries no bearer token, so the page itself
// calls GET /v1/orders/:id/checkout/result with the same query and follows
// the returned navigate path.
func (o *Orchestrator) ResultURL(orderID string) string {
	return o.cfg.PublicBaseURL + ResultPagePath(orderID)
}

// ResultPagePath is the page route of ResultURL. The API route completing
// the checkout is the same path under /v1.
func ResultPagePath(orderID string) string {
	return "/orders/" + orderID + "/checkout/result"
}

func resultLabel(err error, res interface{}) string {
	if err != nil {
		var pm *PriceMismatchError
		var ve validation.ValidationErrors
		switch {
		case errors.As(err, &pm):
			return "price_mismatch"
		case errors.Is(err, ErrSelfPurchase):
			return "self_purchase"
		case errors.As(err, &ve):
			return "validation"
		}
		return string(api.Classify(err))
	}
	if r, ok := res.(Redirect); ok && r.Reused() {
		return "reused"
	}
	return "ok"
}

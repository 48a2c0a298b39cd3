// Package dispute runs the dispute sub-workflow nested inside escrow_hold:
// opening a dispute against one of the viewer's escrowed orders, withdrawing
// it while still open, and listing what can be disputed or viewed.
//
// All checks here run before the marketplace is contacted. The marketplace
// repeats them authoritatively.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/pagination"
	"github.com/mbd888/accountmarket/internal/traces"
	"github.com/mbd888/accountmarket/internal/validation"
)

var (
	ErrOrderNotFound  = errors.New("dispute: order is not one of your orders")
	ErrDisputeExists  = errors.New("dispute: a dispute already exists for this order")
	ErrNotInEscrow    = errors.New("dispute: order is not in escrow")
	ErrNotCancellable = errors.New("dispute: only an open dispute can be cancelled")
	ErrNotRaiser      = errors.New("dispute: only the party who opened the dispute can cancel it")
)

// IdentityLinkError blocks a dispute until the viewer links an external
// identity account. LinkURL starts the linking flow.
type IdentityLinkError struct {
	LinkURL string
}

func (e *IdentityLinkError) Error() string {
	return "dispute: link an external account before opening a dispute"
}

const (
	MaxReasonLength      = 120
	MinDescriptionLength = 10
	MaxDescriptionLength = 4000
)

// CreateRequest opens a dispute against an order.
type CreateRequest struct {
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// Normalize trims surrounding whitespace from the free-text fields.
func (r CreateRequest) Normalize() CreateRequest {
	r.OrderID = strings.TrimSpace(r.OrderID)
	r.Reason = validation.Clean(r.Reason)
	r.Description = validation.Clean(r.Description)
	return r
}

// Validate checks the request fields.
func (r CreateRequest) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("order_id", r.OrderID),
		validation.ValidID("order_id", r.OrderID),
		validation.Required("reason", r.Reason),
		validation.MaxLength("reason", r.Reason, MaxReasonLength),
		validation.Required("description", r.Description),
		validation.MinLength("description", r.Description, MinDescriptionLength),
		validation.MaxLength("description", r.Description, MaxDescriptionLength),
	)
}

// Config tunes the workflow.
type Config struct {
	// IdentityLinkURL is where viewers link an external identity account.
	IdentityLinkURL string
	// Notifier, when set, is poked with the order id after a dispute is
	// opened or cancelled so open order pages refetch at once.
	Notifier Notifier
}

// Notifier wakes whatever is following an order.
type Notifier interface {
	Notify(orderID string) int
}

// Workflow creates and cancels disputes on behalf of a viewer.
type Workflow struct {
	remote   api.Remote
	cfg      Config
	logger   *slog.Logger
	pageSize int

	createFlight singleflight.Group
	cancelFlight singleflight.Group
}

// NewWorkflow creates a dispute workflow.
func NewWorkflow(remote api.Remote, cfg Config, logger *slog.Logger) *Workflow {
	return &Workflow{
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		pageSize: listPageSize,
	}
}

const (
	listPageSize = 100
	// maxListPages bounds a walk over a remote that never stops paging.
	maxListPages = 50
)

// eachOrder walks every page of the viewer's orders matching filter until fn
// returns false.
func (w *Workflow) eachOrder(ctx context.Context, filter api.OrderFilter, fn func(*order.Order) bool) error {
	filter.Limit = w.pageSize
	filter.Cursor = ""
	for page := 0; page < maxListPages; page++ {
		orders, err := w.remote.ListOrders(ctx, filter)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if !fn(o) {
				return nil
			}
		}
		if len(orders) < filter.Limit {
			return nil
		}
		last := orders[len(orders)-1]
		next := pagination.Encode(last.CreatedAt, last.ID)
		if next == filter.Cursor {
			return nil
		}
		filter.Cursor = next
	}
	w.logger.Warn("order list truncated", "pages", maxListPages, "status", filter.Status)
	return nil
}

// Create opens a dispute. Missing fields and a missing linked identity are
// rejected without any network call. The order must be one of the viewer's
// own orders, in escrow_hold, and never disputed before.
func (w *Workflow) Create(ctx context.Context, v auth.Viewer, req CreateRequest) (*order.Dispute, error) {
	req = req.Normalize()
	traces.Annotate(ctx, traces.OrderID(req.OrderID))
	if errs := req.Validate(); len(errs) > 0 {
		metrics.DisputesTotal.WithLabelValues("create", "validation").Inc()
		return nil, errs
	}
	if !v.HasLinkedIdentity() {
		metrics.DisputesTotal.WithLabelValues("create", "identity_not_linked").Inc()
		return nil, &IdentityLinkError{LinkURL: w.cfg.IdentityLinkURL}
	}
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := w.createFlight.Do(v.ID+":"+req.OrderID, func() (interface{}, error) {
		// Closing the dialog does not abort a dispute already submitted.
		ctx := context.WithoutCancel(ctx)

		o, err := w.ownOrder(ctx, v, req.OrderID)
		if err != nil {
			return nil, err
		}
		if o.HasDispute() {
			return nil, ErrDisputeExists
		}
		if o.Status != order.StatusEscrowHold {
			return nil, ErrNotInEscrow
		}

		d, err := w.remote.CreateDispute(api.WithActionKey(ctx, v.ID, "create_dispute", req.OrderID, ""), api.CreateDisputeRequest{
			OrderID:     req.OrderID,
			Reason:      req.Reason,
			Description: req.Description,
		})
		if err != nil {
			return nil, w.mapRemote(err)
		}
		w.logger.Info("dispute opened", "disputeId", d.ID, "orderId", o.ID, "viewer", v.ID, "party", d.Party)
		return d, nil
	})

	metrics.DisputesTotal.WithLabelValues("create", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	cp := *res.(*order.Dispute)
	w.notify(cp.OrderID)
	return &cp, nil
}

// ownOrder finds orderID in the viewer's own order list.
func (w *Workflow) ownOrder(ctx context.Context, v auth.Viewer, orderID string) (*order.Order, error) {
	var found *order.Order
	err := w.eachOrder(ctx, api.OrderFilter{}, func(o *order.Order) bool {
		if o.ID != orderID {
			return true
		}
		found = o
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil || !found.IsParty(v.ID) {
		return nil, ErrOrderNotFound
	}
	if err := order.Validate(found); err != nil {
		metrics.IncoherentSnapshotsTotal.WithLabelValues(order.ViolationLabel(err)).Inc()
		w.logger.Warn("incoherent order in list", "orderId", found.ID, "error", err)
		return nil, fmt.Errorf("dispute: order %s: %w", found.ID, err)
	}
	return found, nil
}

// mapRemote turns marketplace rejections into the workflow's own errors.
func (w *Workflow) mapRemote(err error) error {
	var ae *api.Error
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Code {
	case api.CodeIdentityNotLinked:
		return &IdentityLinkError{LinkURL: w.cfg.IdentityLinkURL}
	case api.CodeDisputeExists:
		return ErrDisputeExists
	case api.CodeNotFound:
		return ErrOrderNotFound
	}
	return err
}

// Cancel withdraws an open dispute raised by the viewer. The order returns
// to escrow_hold under its original release time.
func (w *Workflow) Cancel(ctx context.Context, v auth.Viewer, disputeID string) (*order.Dispute, error) {
	if errs := validation.Validate(validation.ValidID("dispute_id", disputeID)); len(errs) > 0 {
		return nil, errs
	}
	traces.Annotate(ctx, traces.DisputeID(disputeID))
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := w.cancelFlight.Do(v.ID+":"+disputeID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		d, err := w.remote.GetDispute(ctx, disputeID)
		if err != nil {
			return nil, err
		}
		if !d.Cancellable(v.ID) {
			if d.Status != order.DisputeOpen {
				return nil, ErrNotCancellable
			}
			return nil, ErrNotRaiser
		}

		closed, err := w.remote.CancelDispute(api.WithActionKey(ctx, v.ID, "cancel_dispute", disputeID, ""), disputeID)
		if err != nil {
			switch {
			case api.IsCode(err, api.CodeInvalidStatus):
				return nil, ErrNotCancellable
			case api.IsCode(err, api.CodeRoleNotAllowed):
				return nil, ErrNotRaiser
			}
			return nil, err
		}
		w.logger.Info("dispute cancelled", "disputeId", disputeID, "orderId", closed.OrderID, "viewer", v.ID)
		return closed, nil
	})

	metrics.DisputesTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	cp := *res.(*order.Dispute)
	w.notify(cp.OrderID)
	return &cp, nil
}

func (w *Workflow) notify(orderID string) {
	if w.cfg.Notifier != nil && orderID != "" {
		w.cfg.Notifier.Notify(orderID)
	}
}

// Get returns one of the viewer's disputes.
func (w *Workflow) Get(ctx context.Context, v auth.Viewer, disputeID string) (*order.Dispute, error) {
	if errs := validation.Validate(validation.ValidID("dispute_id", disputeID)); len(errs) > 0 {
		return nil, errs
	}
	return w.remote.GetDispute(auth.WithViewer(ctx, v), disputeID)
}

// Viewable lists the disputes on the viewer's orders.
func (w *Workflow) Viewable(ctx context.Context, v auth.Viewer, filter api.DisputeFilter) ([]*order.Dispute, error) {
	return w.remote.ListDisputes(auth.WithViewer(ctx, v), filter)
}

// Candidates lists the viewer's orders that may receive a new dispute.
func (w *Workflow) Candidates(ctx context.Context, v auth.Viewer) ([]*order.Order, error) {
	noDispute := false
	var orders []*order.Order
	err := w.eachOrder(auth.WithViewer(ctx, v), api.OrderFilter{
		Status:     order.StatusEscrowHold,
		HasDispute: &noDispute,
	}, func(o *order.Order) bool {
		orders = append(orders, o)
		return true
	})
	if err != nil {
		return nil, err
	}
	return DisputableOrders(orders, v), nil
}

// DisputableOrders keeps the orders on which v may open a new dispute:
// escrow_hold, never disputed, and v is a party.
func DisputableOrders(orders []*order.Order, v auth.Viewer) []*order.Order {
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if order.AvailableActions(o, v).Has(order.ActionOpenDispute) {
			out = append(out, o)
		}
	}
	return out
}

func resultLabel(err error) string {
	var ile *IdentityLinkError
	var ve validation.ValidationErrors
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ile):
		return "identity_not_linked"
	case errors.Is(err, ErrDisputeExists):
		return "dispute_exists"
	case errors.Is(err, ErrNotInEscrow), errors.Is(err, ErrNotCancellable):
		return "invalid_status"
	case errors.Is(err, ErrNotRaiser):
		return "role_not_allowed"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	}
	return string(api.Classify(err))
}

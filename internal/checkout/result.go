package checkout

import (
	"context"
	"fmt"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/traces"
	"github.com/mbd888/accountmarket/internal/validation"
)

// Result is the user-visible outcome of a hosted checkout.
type Result struct {
	Outcome    api.CheckoutOutcome `json:"outcome"`
	Restricted bool                `json:"restricted,omitempty"`
	Message    string              `json:"message"`
	Navigate   string              `json:"navigate"`
	Order      *order.Order        `json:"order,omitempty"`
}

const (
	msgSuccess    = "Payment received. Your purchase is now held in escrow."
	msgPending    = "Your payment is being processed. We will update the order once it is confirmed."
	msgFailed     = "Payment failed. Please try again or use another card."
	msgRestricted = "Cards issued by this network are not accepted. Please use a different card."
)

// MapOutcome converts a verified hosted checkout status into what the buyer
// sees and where they go next. Unknown statuses are treated as pending: the
// order refetch settles what actually happened.
func MapOutcome(orderID string, st api.HostedCheckoutStatus) Result {
	orderPath := "/orders/" + orderID
	switch st.Status {
	case api.OutcomeSuccess:
		return Result{Outcome: api.OutcomeSuccess, Message: msgSuccess, Navigate: orderPath}
	case api.OutcomeFailed:
		r := Result{Outcome: api.OutcomeFailed, Message: msgFailed, Navigate: orderPath + "/checkout"}
		if st.IsRestrictedCard {
			r.Restricted = true
			r.Message = msgRestricted
		} else if st.ResultDescription != "" {
			r.Message = fmt.Sprintf("Payment failed: %s", st.ResultDescription)
		}
		return r
	default:
		return Result{Outcome: api.OutcomePending, Message: msgPending, Navigate: orderPath}
	}
}

// CompleteHosted verifies the result token the widget returned and maps it
// to a Result. Only the order's buyer may complete it. On success the order
// is refetched so the page shows the server's view of it.
func (o *Orchestrator) CompleteHosted(ctx context.Context, v auth.Viewer, orderID, resourcePath string) (Result, error) {
	if errs := validation.Validate(
		validation.Required("order_id", orderID),
		validation.ValidID("order_id", orderID),
		validation.Required("resourcePath", resourcePath),
	); len(errs) > 0 {
		return Result{}, errs
	}
	if !validation.IsValidResourcePath(resourcePath) {
		return Result{}, ErrInvalidResourcePath
	}
	traces.Annotate(ctx, traces.OrderID(orderID))
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := o.resultFlight.Do(v.ID+":"+resourcePath, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		ord, err := o.remote.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		if ord.BuyerID != v.ID {
			return Result{}, ErrNotBuyer
		}
		if err := o.coherent(ord); err != nil {
			return Result{}, err
		}

		st, err := o.remote.GetHostedCheckoutStatus(ctx, resourcePath, orderID)
		if err != nil {
			return Result{}, err
		}
		r := MapOutcome(orderID, *st)

		if r.Outcome == api.OutcomeSuccess {
			fresh, err := o.remote.GetOrder(ctx, orderID)
			switch {
			case err != nil:
				o.logger.Warn("refetch after payment failed", "orderId", orderID, "error", err)
			case o.coherent(fresh) != nil:
				// the outcome stands; the page refetches the order itself
			default:
				r.Order = fresh
			}
		}
		o.logger.Info("hosted checkout completed", "orderId", orderID, "outcome", r.Outcome, "restricted", r.Restricted)
		return r, nil
	})
	if err != nil {
		return Result{}, err
	}

	r := res.(Result)
	metrics.CheckoutOutcomesTotal.WithLabelValues(string(r.Outcome)).Inc()
	if r.Order != nil {
		r.Order = r.Order.Clone()
	}
	return r, nil
}

// coherent validates a fetched order, counting and logging any violation.
func (o *Orchestrator) coherent(ord *order.Order) error {
	if err := order.Validate(ord); err != nil {
		metrics.IncoherentSnapshotsTotal.WithLabelValues(order.ViolationLabel(err)).Inc()
		o.logger.Warn("incoherent order from marketplace", "orderId", ord.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrIncoherentOrder, err)
	}
	return nil
}

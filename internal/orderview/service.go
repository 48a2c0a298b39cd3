package orderview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

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
	ErrActionNotAllowed = errors.New("orderview: action is not available for this order")
	ErrIncoherentOrder  = errors.New("orderview: order data is inconsistent")
)

// Notifier is told when a request changed an order so that open pages can
// refresh without waiting for their next poll.
type Notifier interface {
	Notify(orderID string) int
}

// Service serves order views and the order actions a page can trigger.
type Service struct {
	remote   api.Remote
	builder  *Builder
	notifier Notifier
	logger   *slog.Logger

	confirmFlight singleflight.Group
	cancelFlight  singleflight.Group
}

// NewService creates an order view service. notifier may be nil.
func NewService(remote api.Remote, builder *Builder, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		remote:   remote,
		builder:  builder,
		notifier: notifier,
		logger:   logger,
	}
}

// Builder returns the view builder.
func (s *Service) Builder() *Builder { return s.builder }

// fetch reads the order fresh and checks it is coherent.
func (s *Service) fetch(ctx context.Context, orderID string) (*order.Order, error) {
	if errs := validation.Validate(
		validation.Required("order_id", orderID),
		validation.ValidID("order_id", orderID),
	); len(errs) > 0 {
		return nil, errs
	}
	traces.Annotate(ctx, traces.OrderID(orderID))
	o, err := s.remote.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.Validate(o); err != nil {
		metrics.IncoherentSnapshotsTotal.WithLabelValues(order.ViolationLabel(err)).Inc()
		s.logger.Warn("incoherent order from marketplace", "orderId", orderID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrIncoherentOrder, err)
	}
	return o, nil
}

// GetView returns the view of one order.
func (s *Service) GetView(ctx context.Context, v auth.Viewer, orderID string) (*View, error) {
	o, err := s.fetch(auth.WithViewer(ctx, v), orderID)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(o, v), nil
}

// ListViews returns one page of views of the viewer's orders matching
// filter, and the cursor of the next page. Incoherent orders are skipped.
func (s *Service) ListViews(ctx context.Context, v auth.Viewer, filter api.OrderFilter) ([]*View, string, error) {
	limit := filter.Limit
	if limit > 0 {
		filter.Limit = limit + 1
	}
	orders, err := s.remote.ListOrders(auth.WithViewer(ctx, v), filter)
	if err != nil {
		return nil, "", err
	}
	orders, next := pagination.ComputePage(orders, limit, func(o *order.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	views := make([]*View, 0, len(orders))
	for _, o := range orders {
		if err := order.Validate(o); err != nil {
			metrics.IncoherentSnapshotsTotal.WithLabelValues(order.ViolationLabel(err)).Inc()
			s.logger.Warn("skipping incoherent order", "orderId", o.ID, "error", err)
			continue
		}
		views = append(views, s.builder.Build(o, v))
	}
	return views, next, nil
}

// ConfirmReceipt completes an escrowed order on the buyer's behalf. The gate
// is evaluated against a fresh snapshot, never a cached one.
func (s *Service) ConfirmReceipt(ctx context.Context, v auth.Viewer, orderID string) (*View, error) {
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := s.confirmFlight.Do(v.ID+":"+orderID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		o, err := s.fetch(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !order.AvailableActions(o, v).Has(order.ActionConfirmReceipt) {
			return nil, ErrActionNotAllowed
		}
		updated, err := s.remote.UpdateOrder(api.WithActionKey(ctx, v.ID, "confirm_receipt", orderID, ""), orderID, order.StatusCompleted)
		if err != nil {
			return nil, err
		}
		s.logger.Info("receipt confirmed", "orderId", orderID, "viewer", v.ID)
		return updated, nil
	})

	metrics.OrderConfirmationsTotal.WithLabelValues(actionResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.notify(orderID)
	return s.builder.Build(res.(*order.Order).Clone(), v), nil
}

// CancelOrder cancels an order through the self-service edge the gate offers
// (payment_intent only).
func (s *Service) CancelOrder(ctx context.Context, v auth.Viewer, orderID string) (*View, error) {
	ctx = auth.WithViewer(ctx, v)

	res, err, _ := s.cancelFlight.Do(v.ID+":"+orderID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		o, err := s.fetch(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !order.AvailableActions(o, v).Has(order.ActionCancel) {
			return nil, ErrActionNotAllowed
		}
		cancelled, err := s.remote.CancelOrder(api.WithActionKey(ctx, v.ID, "cancel_order", orderID, ""), orderID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("order cancelled", "orderId", orderID, "viewer", v.ID)
		return cancelled, nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(orderID)
	return s.builder.Build(res.(*order.Order).Clone(), v), nil
}

func (s *Service) notify(orderID string) {
	if s.notifier != nil {
		s.notifier.Notify(orderID)
	}
}

func actionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrActionNotAllowed):
		return "not_allowed"
	case errors.Is(err, ErrIncoherentOrder):
		return "incoherent"
	}
	var ve validation.ValidationErrors
	if errors.As(err, &ve) {
		return "validation"
	}
	return string(api.Classify(err))
}

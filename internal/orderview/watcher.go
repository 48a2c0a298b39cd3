package orderview

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/order"
)

// Watcher refetches an order on an interval while it is in escrow and
// reports each coherent change. Every watcher shares one poll budget so a
// burst of open pages cannot flood the marketplace.
type Watcher struct {
	remote   api.Remote
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewWatcher creates a watcher polling every interval. pollsPerSecond is the
// budget shared by all watches.
func NewWatcher(remote api.Remote, interval time.Duration, pollsPerSecond float64, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	burst := int(pollsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Watcher{
		remote:   remote,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(pollsPerSecond), burst),
		logger:   logger,
	}
}

// Watch polls orderID for v, starting from the snapshot last, until ctx is
// done or the order leaves escrow_hold. onChange receives each accepted
// snapshot that differs from the previous one. refresh, when non-nil,
// triggers an immediate poll.
//
// A snapshot that is not a coherent successor of the last accepted one is
// logged, counted and dropped; the page keeps showing the last good state.
// Watch returns the last accepted snapshot.
func (w *Watcher) Watch(ctx context.Context, v auth.Viewer, last *order.Order, refresh <-chan struct{}, onChange func(*order.Order)) (*order.Order, error) {
	metrics.ActiveOrderWatchers.Inc()
	defer metrics.ActiveOrderWatchers.Dec()

	ctx = auth.WithViewer(ctx, v)
	orderID := last.ID

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for last.Status == order.StatusEscrowHold {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		case <-refresh:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return last, err
		}
		next, err := w.remote.GetOrder(ctx, orderID)
		if err != nil {
			if api.Classify(err) == api.KindStale || api.Classify(err) == api.KindEligibility {
				w.logger.Warn("order watch ended", "orderId", orderID, "error", err)
				return last, err
			}
			w.logger.Debug("order refetch failed", "orderId", orderID, "error", err)
			continue
		}

		if err := order.ValidateProgress(last, next); err != nil {
			metrics.IncoherentSnapshotsTotal.WithLabelValues(order.ViolationLabel(err)).Inc()
			w.logger.Warn("incoherent order snapshot dropped",
				"orderId", orderID, "from", last.Status, "to", next.Status, "error", err)
			continue
		}
		if !changed(last, next) {
			continue
		}
		last = next
		onChange(next.Clone())
	}
	return last, nil
}

func changed(prev, next *order.Order) bool {
	return prev.Status != next.Status ||
		prev.DisputeID != next.DisputeID ||
		!prev.UpdatedAt.Equal(next.UpdatedAt) ||
		prev.Listing.Credentials != next.Listing.Credentials
}

package orderview

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/order"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func viewer(id string) auth.Viewer {
	return auth.Viewer{ID: id, Role: auth.RoleUser, Language: "en", Linked: []string{"steam"}, Token: "token-" + id}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock   *clock
	backend *api.MemoryBackend
	service *Service
	listing *order.Listing
}

func newFixture(notifier Notifier) *fixture {
	clk := &clock{t: epoch}
	backend := api.NewMemoryBackend(api.WithMemoryClock(clk.Now), api.WithHoldDuration(12*time.Hour))
	l := backend.AddListing(order.Listing{Title: "Level 80 account", Price: 500, SellerID: "seller"})
	builder := NewBuilder(12 * time.Hour).WithClock(clk.Now)
	return &fixture{
		clock:   clk,
		backend: backend,
		service: NewService(backend, builder, notifier, logging.Discard()),
		listing: l,
	}
}

func (f *fixture) pendingOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.backend.CreateOrder(auth.WithViewer(context.Background(), viewer("buyer")), f.listing.ID)
	require.NoError(t, err)
	return o
}

func (f *fixture) escrowOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.backend.ConfirmPayment(f.pendingOrder(t).ID)
	require.NoError(t, err)
	return o
}

// scriptedRemote serves GetOrder from a queue of snapshots, repeating the
// last one once the queue is drained.
type scriptedRemote struct {
	api.Remote

	mu        sync.Mutex
	snapshots []*order.Order
	calls     int
}

func (s *scriptedRemote) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	next := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	return next.Clone(), nil
}

func (s *scriptedRemote) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *countingNotifier) Notify(orderID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, orderID)
	return 1
}

func (n *countingNotifier) Notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

func escrowSnapshot(id string, release time.Time) *order.Order {
	return &order.Order{
		ID:              id,
		Status:          order.StatusEscrowHold,
		Amount:          500,
		BuyerID:         "buyer",
		SellerID:        "seller",
		EscrowReleaseAt: &release,
		CreatedAt:       epoch,
		UpdatedAt:       epoch,
	}
}

func authCtx(id string) context.Context {
	return auth.WithViewer(context.Background(), viewer(id))
}

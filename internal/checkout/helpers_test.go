package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/order"
)

func viewer(id string) auth.Viewer {
	return auth.Viewer{ID: id, Role: auth.RoleUser, Language: "en", Token: "token-" + id}
}

func authCtx(id string) context.Context {
	return auth.WithViewer(context.Background(), viewer(id))
}

// countingRemote records how often each remote operation is called.
type countingRemote struct {
	api.Remote

	mu    sync.Mutex
	calls map[string]int
}

func newCountingRemote(r api.Remote) *countingRemote {
	return &countingRemote{Remote: r, calls: make(map[string]int)}
}

func (c *countingRemote) count(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *countingRemote) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingRemote) CreateOrder(ctx context.Context, listingID string) (*order.Order, error) {
	c.count("CreateOrder")
	return c.Remote.CreateOrder(ctx, listingID)
}

func (c *countingRemote) CreatePaymentLink(ctx context.Context, orderID string) (*api.PaymentLink, error) {
	c.count("CreatePaymentLink")
	return c.Remote.CreatePaymentLink(ctx, orderID)
}

func (c *countingRemote) CreateHostedCheckout(ctx context.Context, orderID string) (*api.HostedCheckout, error) {
	c.count("CreateHostedCheckout")
	return c.Remote.CreateHostedCheckout(ctx, orderID)
}

type fixture struct {
	backend *api.MemoryBackend
	remote  *countingRemote
	orch    *Orchestrator
	listing *order.Listing
}

// newFixture returns an orchestrator over a backend holding one 500.00
// listing sold by "seller".
func newFixture() *fixture {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := api.NewMemoryBackend(
		api.WithMemoryClock(func() time.Time { return now }),
		api.WithHoldDuration(12*time.Hour),
	)
	l := backend.AddListing(order.Listing{
		Title:    "Level 80 account",
		Category: "games",
		Price:    500,
		SellerID: "seller",
	})
	remote := newCountingRemote(backend)
	orch := NewOrchestrator(remote, Config{
		PriceEpsilon:  0.01,
		PublicBaseURL: "https://market.example.com/",
	}, logging.Discard())
	return &fixture{backend: backend, remote: remote, orch: orch, listing: l}
}

func (f *fixture) newOrder(buyerID string) *order.Order {
	o, err := f.orch.CreateOrder(context.Background(), viewer(buyerID), f.listing.ID)
	if err != nil {
		panic(err)
	}
	return o
}

package api

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/order"
)

func viewerCtx(id string, linked ...string) context.Context {
	return auth.WithViewer(context.Background(), auth.Viewer{
		ID:       id,
		Role:     auth.RoleUser,
		Language: "en",
		Linked:   linked,
		Token:    "token-" + id,
	})
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestBackend returns a backend with one 500.00 listing sold by "seller".
func newTestBackend() (*MemoryBackend, *testClock, *order.Listing) {
	clk := newTestClock()
	m := NewMemoryBackend(WithMemoryClock(clk.Now), WithHoldDuration(12*time.Hour))
	l := m.AddListing(order.Listing{
		Title:    "Level 80 account",
		Category: "games",
		Price:    500,
		SellerID: "seller",
	})
	return m, clk, l
}

// escrowOrder creates an order for "buyer" and pays it.
func escrowOrder(m *MemoryBackend, listingID string) *order.Order {
	o, err := m.CreateOrder(viewerCtx("buyer"), listingID)
	if err != nil {
		panic(err)
	}
	o, err = m.ConfirmPayment(o.ID)
	if err != nil {
		panic(err)
	}
	return o
}

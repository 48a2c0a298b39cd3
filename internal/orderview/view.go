// Package orderview builds what an order page shows: the status badge, the
// live escrow countdown and the actions offered to the viewer. It also runs
// the refetch loop that keeps an open order page in sync with the
// marketplace.
package orderview

import (
	"time"

	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/escrowclock"
	"github.com/mbd888/accountmarket/internal/order"
)

// View is the read-only view-model of one order for one viewer.
type View struct {
	Order   *order.Order   `json:"order"`
	Side    order.Party    `json:"side,omitempty"`
	Badge   Badge          `json:"badge"`
	Escrow  *EscrowView    `json:"escrow,omitempty"`
	Actions []order.Action `json:"actions"`
}

// EscrowView is the countdown block, present while funds are held.
type EscrowView struct {
	ReleaseAt time.Time `json:"releaseAt"`
	escrowclock.Snapshot
}

// Can reports whether the view offers action a.
func (v *View) Can(a order.Action) bool {
	for _, have := range v.Actions {
		if have == a {
			return true
		}
	}
	return false
}

// Builder derives views. It never caches: every call recomputes from the
// order snapshot it is given.
type Builder struct {
	hold time.Duration
	now  func() time.Time
}

// NewBuilder creates a builder for the configured escrow hold duration.
func NewBuilder(hold time.Duration) *Builder {
	if hold <= 0 {
		hold = escrowclock.DefaultHoldDuration
	}
	return &Builder{hold: hold, now: time.Now}
}

// WithClock replaces the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Hold is the configured escrow hold duration.
func (b *Builder) Hold() time.Duration { return b.hold }

// Now is the builder's current instant.
func (b *Builder) Now() time.Time { return b.now() }

// Build renders o for v.
func (b *Builder) Build(o *order.Order, v auth.Viewer) *View {
	view := &View{
		Order:   o,
		Side:    o.PartyOf(v.ID),
		Badge:   BadgeFor(o.Status, v.Language),
		Actions: order.AvailableActions(o, v).List(),
	}
	if o.Status == order.StatusEscrowHold && o.EscrowReleaseAt != nil {
		view.Escrow = &EscrowView{
			ReleaseAt: *o.EscrowReleaseAt,
			Snapshot:  escrowclock.Compute(*o.EscrowReleaseAt, b.now(), b.hold),
		}
	}
	return view
}

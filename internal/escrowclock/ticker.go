package escrowclock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HoldSource reports the release time that currently governs the countdown.
// ok is false once the order has left escrow_hold, which stops the ticker.
type HoldSource func() (releaseAt time.Time, ok bool)

// Ticker emits one Snapshot per interval while its HoldSource reports an
// active hold. It stops on context cancellation, Stop, or when the hold ends.
type Ticker struct {
	source   HoldSource
	emit     func(Snapshot)
	interval time.Duration
	hold     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTicker creates a one-second countdown ticker.
func NewTicker(source HoldSource, emit func(Snapshot), hold time.Duration, logger *slog.Logger) *Ticker {
	if hold <= 0 {
		hold = DefaultHoldDuration
	}
	return &Ticker{
		source:   source,
		emit:     emit,
		interval: time.Second,
		hold:     hold,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source and tick interval.
func (t *Ticker) WithClock(now func() time.Time, interval time.Duration) *Ticker {
	t.now = now
	if interval > 0 {
		t.interval = interval
	}
	return t
}

// Running reports whether the tick loop is active.
func (t *Ticker) Running() bool {
	return t.running.Load()
}

// Start runs the tick loop until stopped. Call in a goroutine.
// The first frame is emitted immediately.
func (t *Ticker) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	if !t.safeTick() {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.safeTick() {
				return
			}
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Ticker) safeTick() (keepGoing bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow countdown", "panic", fmt.Sprint(r))
			keepGoing = false
		}
	}()
	return t.tick()
}

func (t *Ticker) tick() bool {
	releaseAt, ok := t.source()
	if !ok {
		t.logger.Debug("escrow hold ended, stopping countdown")
		return false
	}
	t.emit(Compute(releaseAt, t.now(), t.hold))
	return true
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReleaseTimer periodically completes expired escrow holds in the memory
// backend, standing in for the marketplace's own release job in demo mode.
type ReleaseTimer struct {
	backend   *MemoryBackend
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	onRelease func(orderID string)
}

// NewReleaseTimer creates a release loop checking every interval.
func NewReleaseTimer(backend *MemoryBackend, interval time.Duration, logger *slog.Logger) *ReleaseTimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReleaseTimer{
		backend:  backend,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnRelease registers fn to be called with each released order id. Call
// before Start.
func (t *ReleaseTimer) OnRelease(fn func(orderID string)) {
	t.onRelease = fn
}

// Running reports whether the loop is active.
func (t *ReleaseTimer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is cancelled or Stop is called. Call in a goroutine.
func (t *ReleaseTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRelease()
		}
	}
}

// Stop signals the loop to stop. Safe to call more than once.
func (t *ReleaseTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *ReleaseTimer) safeRelease() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release timer", "panic", fmt.Sprint(r))
		}
	}()
	for _, id := range t.backend.ReleaseExpired(t.backend.now(), 100) {
		t.logger.Info("released expired escrow", "orderId", id)
		if t.onRelease != nil {
			t.onRelease(id)
		}
	}
}

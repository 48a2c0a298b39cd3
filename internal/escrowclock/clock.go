// Package escrowclock derives the escrow countdown shown while an order is
// held. Everything is recomputed from the stored release time and the
// current instant; nothing accumulates elapsed time, so a remount or page
// refresh yields the same remaining time.
package escrowclock

import (
	"fmt"
	"time"
)

// Zero is the countdown rendered once the release time has passed.
const Zero = "00:00:00"

// DefaultHoldDuration is the escrow window when none is configured.
const DefaultHoldDuration = 12 * time.Hour

// Remaining returns the time left until releaseAt, never negative.
func Remaining(releaseAt, now time.Time) time.Duration {
	d := releaseAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the release time has been reached.
func Expired(releaseAt, now time.Time) bool {
	return !now.Before(releaseAt)
}

// Format renders d as HH:MM:SS, truncating sub-second precision. Hours are
// not wrapped at 24 so multi-day holds still render correctly.
func Format(d time.Duration) string {
	if d <= 0 {
		return Zero
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Countdown renders the countdown for an optional release time.
// A missing release time renders as Zero.
func Countdown(releaseAt *time.Time, now time.Time) string {
	if releaseAt == nil {
		return Zero
	}
	return Format(Remaining(*releaseAt, now))
}

// Progress returns the fraction of the hold window still remaining,
// clamped to [0, 1].
func Progress(releaseAt, now time.Time, hold time.Duration) float64 {
	if hold <= 0 {
		return 0
	}
	p := float64(Remaining(releaseAt, now)) / float64(hold)
	if p > 1 {
		return 1
	}
	return p
}

// Snapshot is one rendered countdown frame.
type Snapshot struct {
	Text             string  `json:"countdown"`
	RemainingSeconds int64   `json:"remainingSeconds"`
	Expired          bool    `json:"expired"`
	Progress         float64 `json:"progress"`
}

// Compute renders a frame for the given release time and instant.
func Compute(releaseAt time.Time, now time.Time, hold time.Duration) Snapshot {
	rem := Remaining(releaseAt, now)
	return Snapshot{
		Text:             Format(rem),
		RemainingSeconds: int64(rem / time.Second),
		Expired:          Expired(releaseAt, now),
		Progress:         Progress(releaseAt, now, hold),
	}
}

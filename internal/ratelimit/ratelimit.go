// Package ratelimit throttles page traffic per viewer with
// golang.org/x/time/rate token buckets. Reads (loading and refreshing order
// pages) and actions (checkout, confirm, cancel, dispute) are metered
// separately so a busy page cannot starve its own buttons, and a script
// hammering an action is stopped long before it could flood the marketplace.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/metrics"
)

// Class separates the two budgets a viewer has.
type Class string

const (
	ClassRead   Class = "read"
	ClassAction Class = "action"
)

// ClassOf classifies a request by method.
func ClassOf(method string) Class {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	}
	return ClassAction
}

// Budget is a sustained rate with a burst allowance.
type Budget struct {
	PerMinute int
	Burst     int
}

func (b Budget) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(b.PerMinute)/60.0), max(b.Burst, 1))
}

// Config configures rate limiting.
type Config struct {
	Reads   Budget
	Actions Budget

	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
	// IdleTTL is how long an untouched bucket is kept.
	IdleTTL time.Duration
}

// DefaultConfig allows one page load a second and an action every six
// seconds, with room for a short burst of each.
func DefaultConfig() Config {
	return Config{
		Reads:           Budget{PerMinute: 60, Burst: 10},
		Actions:         Budget{PerMinute: 10, Burst: 3},
		CleanupInterval: time.Minute,
		IdleTTL:         2 * time.Minute,
	}
}

// FromRPS builds a config allowing rps reads per second on average. Actions
// get a tenth of that, never fewer than the defaults.
func FromRPS(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.Reads = Budget{PerMinute: rps * 60, Burst: rps}
		cfg.Actions = Budget{
			PerMinute: max(rps*6, cfg.Actions.PerMinute),
			Burst:     max(rps/10, cfg.Actions.Burst),
		}
	}
	return cfg
}

type bucketKey struct {
	class Class
	key   string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per (class, client) pair.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	buckets  map[bucketKey]*bucket
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[bucketKey]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) bucket(class Class, key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := bucketKey{class, key}
	b, ok := l.buckets[k]
	if !ok {
		budget := l.cfg.Reads
		if class == ClassAction {
			budget = l.cfg.Actions
		}
		b = &bucket{limiter: budget.limiter()}
		l.buckets[k] = b
	}
	b.lastSeen = now
	return b
}

// Take spends one token of key's class budget. When none is left it
// reports how long until the next one.
func (l *Limiter) Take(class Class, key string) (ok bool, retryAfter time.Duration) {
	now := l.now()
	r := l.bucket(class, key, now).limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Middleware limits by viewer when the session is known and by client IP
// otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if v, ok := auth.GetViewer(c); ok {
			key = "viewer:" + v.ID
		}
		class := ClassOf(c.Request.Method)

		ok, wait := l.Take(class, key)
		if !ok {
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

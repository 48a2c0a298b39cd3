// Package health aggregates subsystem checks for the /health endpoint.
//
// Critical checks decide whether this instance should take traffic. Advisory
// checks only mark it degraded: when the marketplace itself is failing,
// pulling every front-end replica out of rotation helps nobody.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/accountmarket/internal/circuitbreaker"
)

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker reports the health of one subsystem. It should return promptly
// once ctx is done.
type Checker func(ctx context.Context) Status

// Overall is the aggregate state rendered by Handler.
type Overall string

const (
	Healthy   Overall = "healthy"
	Degraded  Overall = "degraded"  // an advisory check failed
	Unhealthy Overall = "unhealthy" // a critical check failed
)

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
	now      func() time.Time
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry. Each check gets at most two seconds.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second, now: time.Now}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterAdvisory adds a check that can only degrade the overall state.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the aggregate state and
// the individual results in registration order. A check that overruns its
// timeout is reported unhealthy without waiting for it.
func (r *Registry) CheckAll(ctx context.Context) (Overall, []Status) {
	r.mu.RLock()
	checkers := append([]namedChecker(nil), r.checkers...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc)
			return nil
		})
	}
	_ = g.Wait()

	overall := Healthy
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			return Unhealthy, statuses
		default:
			overall = Degraded
		}
	}
	return overall, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(cctx) }()

	var st Status
	select {
	case st = <-done:
	case <-cctx.Done():
		st = Status{Healthy: false, Detail: "check timed out: " + cctx.Err().Error()}
	}
	st.Name = nc.name
	st.Critical = nc.critical
	st.LatencyMS = r.now().Sub(start).Milliseconds()
	return st
}

// BreakerChecker fails while any marketplace operation's circuit is not
// closed, naming the operations affected.
func BreakerChecker(b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		if open := b.Tripped(); len(open) > 0 {
			return Status{Detail: "circuit open: " + strings.Join(open, ",")}
		}
		return Status{Healthy: true}
	}
}

// CapacityChecker fails once used reaches limit, e.g. countdown streams
// against the hub's cap.
func CapacityChecker(used func() int, limit int) Checker {
	return func(context.Context) Status {
		n := used()
		return Status{Healthy: n < limit, Detail: fmt.Sprintf("%d/%d in use", n, limit)}
	}
}

// Handler serves the aggregate result; 503 only when a critical check fails.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		overall, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		if overall == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": overall,
			"checks": statuses,
			"time":   r.now().UTC(),
		})
	}
}

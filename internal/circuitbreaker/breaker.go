// Package circuitbreaker guards calls to the marketplace API. Each remote
// operation has its own circuit, so a failing dispute endpoint does not stop
// buyers from loading their orders.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen matches every error returned for a call rejected by an open circuit.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// OpenError is returned instead of calling through while a circuit is open.
type OpenError struct {
	Op         string
	RetryAfter time.Duration // until the next probe is let through; zero while probing
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %s circuit open", e.Op)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State is the position of one operation's circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown passes
	StateHalfOpen              // one probe in flight decides the next state
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "accountmarket",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes by remote operation.",
}, []string{"op", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int // consecutive
	openedAt time.Time
}

// Breaker holds one circuit per remote operation.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(op string, from, to State)
}

// New creates a breaker that opens an operation's circuit after threshold
// consecutive failures and probes again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used in tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers fn to run (asynchronously) on every state change.
func (b *Breaker) OnTransition(fn func(op string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn under op's circuit. countsAsFailure decides which errors
// count against the circuit; a 404 from a healthy marketplace should not.
// A nil countsAsFailure counts every error.
func (b *Breaker) Execute(op string, countsAsFailure func(error) bool, fn func() error) error {
	if err := b.admit(op); err != nil {
		return err
	}
	err := fn()
	b.settle(op, err != nil && (countsAsFailure == nil || countsAsFailure(err)))
	return err
}

func (b *Breaker) admit(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return nil
	}
	switch c.state {
	case StateOpen:
		wait := c.openedAt.Add(b.cooldown).Sub(b.now())
		if wait > 0 {
			return &OpenError{Op: op, RetryAfter: wait}
		}
		b.transition(op, c, StateHalfOpen)
		return nil
	case StateHalfOpen:
		return &OpenError{Op: op}
	}
	return nil
}

func (b *Breaker) settle(op string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		if !failed {
			return
		}
		c = &circuit{}
		b.circuits[op] = c
	}

	if !failed {
		c.failures = 0
		if c.state == StateHalfOpen {
			b.transition(op, c, StateClosed)
		}
		return
	}

	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.transition(op, c, StateOpen)
	}
}

// State returns op's current state; operations never seen are closed.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return StateClosed
}

// Tripped returns the sorted operations whose circuit is not closed.
func (b *Breaker) Tripped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ops []string
	for op, c := range b.circuits {
		if c.state != StateClosed {
			ops = append(ops, op)
		}
	}
	sort.Strings(ops)
	return ops
}

// transition must be called with b.mu held.
func (b *Breaker) transition(op string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(op, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(op, from, to)
	}
}

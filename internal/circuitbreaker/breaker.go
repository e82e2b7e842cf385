// Package circuitbreaker stops hammering a failing dependency.
//
// A Breaker starts closed. After Threshold consecutive failures it opens and
// rejects calls with ErrOpen for Cooldown; then it lets a single probe
// through (half-open). A successful probe closes it, a failed one reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuitbreaker: open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
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

var stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "coinescrow",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Current breaker state per dependency (0 closed, 1 open, 2 half-open).",
}, []string{"name"})

func init() {
	prometheus.MustRegister(stateGauge)
}

// Breaker guards one named dependency.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again after cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// WithClock replaces the time source (for tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Execute runs fn unless the breaker is open. isFailure classifies fn's
// error; errors it rejects (caller mistakes, state conflicts) neither trip
// nor reset the breaker. A nil isFailure counts every error.
func (b *Breaker) Execute(fn func() error, isFailure func(error) bool) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.recordSuccess()
	case isFailure == nil || isFailure(err):
		b.recordFailure()
	default:
		b.releaseProbe()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	stateGauge.WithLabelValues(b.name).Set(float64(s))
}

// Package circuitbreaker guards calls to a remote dependency.
//
// After Threshold consecutive failures the breaker opens and rejects calls
// until Cooldown has elapsed. It then lets a single probe through (half-open):
// a successful probe closes the circuit, a failed one reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // calls allowed
	Open                  // calls rejected
	HalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Name      string        // reported to OnStateChange
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before probing (default: 30s)

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Breaker tracks the health of a single remote dependency.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may be attempted now. A true result in the
// half-open state reserves the probe; the caller must then report the outcome
// with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var changed bool
	from := b.state
	allowed := true

	switch b.state {
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.probing = true
		changed = true
	case HalfOpen:
		if b.probing {
			allowed = false
			break
		}
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return allowed
}

// RecordSuccess records a successful call and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.cfg.Now()
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Execute runs fn if the circuit allows it and records the outcome. Errors
// for which countable returns false are passed through without counting as
// failures (for example a rejected request that proves the remote is up).
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

// RetryAfter returns how long the circuit stays open before it lets a probe
// through. It is zero unless the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(0, b.cfg.Cooldown-b.cfg.Now().Sub(b.openedAt))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

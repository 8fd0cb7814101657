package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{Name: "evaluator", Threshold: threshold, Cooldown: 10 * time.Second, Now: clock.Now})
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -1})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("expected closed state after 4 failures (default threshold is 5)")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected open state after 5 failures")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("expected calls allowed before threshold")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected calls rejected while open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", b.Failures())
	}
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("non-consecutive failures must not open the circuit")
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1)

	b.RecordFailure()
	clock.Advance(11 * time.Second)

	if !b.Allow() {
		t.Fatal("expected probe allowed after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("only one probe may be in flight")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(2)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe allowed")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}

	clock.Advance(5 * time.Second)
	if b.Allow() {
		t.Error("cooldown restarts when the probe fails")
	}
}

func TestBreaker_RetryAfter(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1)

	if got := b.RetryAfter(); got != 0 {
		t.Errorf("closed breaker should not ask for a wait, got %v", got)
	}
	b.RecordFailure()
	if got := b.RetryAfter(); got != 10*time.Second {
		t.Errorf("expected full cooldown, got %v", got)
	}
	clock.Advance(4 * time.Second)
	if got := b.RetryAfter(); got != 6*time.Second {
		t.Errorf("expected remaining cooldown, got %v", got)
	}
	clock.Advance(7 * time.Second)
	if got := b.RetryAfter(); got != 0 {
		t.Errorf("elapsed cooldown should not ask for a wait, got %v", got)
	}
	if !b.Allow() || b.RetryAfter() != 0 {
		t.Error("half-open breaker should let the probe through without waiting")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var transitions []string
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New(Config{
		Name:      "evaluator",
		Threshold: 1,
		Cooldown:  time.Second,
		Now:       clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"evaluator:closed->open", "evaluator:open->half-open", "evaluator:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreaker_Execute(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2)
	errRemote := errors.New("remote down")
	errRejected := errors.New("bad request")
	countable := func(err error) bool { return !errors.Is(err, errRejected) }

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errRejected }, countable); !errors.Is(err, errRejected) {
			t.Fatalf("expected errRejected, got %v", err)
		}
	}
	if b.State() != Closed {
		t.Fatal("uncountable errors must not open the circuit")
	}

	_ = b.Execute(func() error { return errRemote }, countable)
	_ = b.Execute(func() error { return errRemote }, countable)
	called := false
	err := b.Execute(func() error { called = true; return nil }, countable)
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1)
	b.RecordFailure()
	b.Reset()
	if b.State() != Closed || b.Failures() != 0 || !b.Allow() {
		t.Error("expected a fresh closed breaker after Reset")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 100, Cooldown: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Allow() {
				if i%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
			}
		}(i)
	}
	wg.Wait()
	_ = b.State()
}

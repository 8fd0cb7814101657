package orchestrator

import (
	"context"
	"sync"
	"time"
)

// StopReason says why a monitor fired.
type StopReason string

const (
	ReasonCancelled StopReason = "cancelled"
	ReasonTimeout   StopReason = "timeout"
)

// Monitor watches one job for user cancellation and its runtime deadline.
// It fires at most once; the finalizer runs synchronously for Cancel and on
// the timer goroutine for a deadline.
type Monitor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	finalize func(StopReason)

	mu      sync.Mutex
	reason  StopReason
	timer   *time.Timer
	stopped bool
}

func newMonitor(finalize func(StopReason)) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{ctx: ctx, cancel: cancel, finalize: finalize}
}

// Cancel requests cancellation. It reports whether this call fired the
// monitor; repeated calls and calls after Stop are no-ops.
func (m *Monitor) Cancel() bool {
	return m.fire(ReasonCancelled)
}

// Arm schedules a timeout at deadline. Only the first call has an effect.
func (m *Monitor) Arm(deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.reason != "" || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(time.Until(deadline), func() { m.fire(ReasonTimeout) })
}

// Stop disarms the monitor once the run has ended on its own.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

// Context is cancelled when the monitor fires.
func (m *Monitor) Context() context.Context {
	return m.ctx
}

// Reason returns why the monitor fired, or "" if it has not.
func (m *Monitor) Reason() StopReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func (m *Monitor) fire(reason StopReason) bool {
	m.mu.Lock()
	if m.stopped || m.reason != "" {
		m.mu.Unlock()
		return false
	}
	m.reason = reason
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	if m.finalize != nil {
		m.finalize(reason)
	}
	return true
}

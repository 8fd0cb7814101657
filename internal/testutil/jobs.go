// Package testutil polls jobs and background state until tests can assert on
// them.
package testutil

import (
	"context"
	"slices"
	"testing"
	"time"

	"regenopt/internal/job"
)

// JobGetter fetches a job by id.
type JobGetter func(ctx context.Context, id string) (*job.Job, error)

type pollConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// PollOption tunes how long and how often the helpers poll.
type PollOption func(*pollConfig)

// WithTimeout bounds the whole wait (default 10s).
func WithTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// WithInterval sets the pause between polls (default 10ms).
func WithInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.interval = d }
}

func poll(cond func() bool, opts []PollOption) bool {
	c := pollConfig{timeout: 10 * time.Second, interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(c.interval)
	}
}

// Eventually fails the test unless cond holds before the timeout.
func Eventually(tb testing.TB, cond func() bool, opts ...PollOption) {
	tb.Helper()
	if !poll(cond, opts) {
		tb.Fatal("condition not met before timeout")
	}
}

// WaitForJob polls the job until match accepts it and returns that snapshot.
// Lookup errors count as a miss.
func WaitForJob(tb testing.TB, get JobGetter, id string, match func(*job.Job) bool, opts ...PollOption) *job.Job {
	tb.Helper()

	var last *job.Job
	ok := poll(func() bool {
		j, err := get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return match(j)
	}, opts)
	if !ok {
		if last == nil {
			tb.Fatalf("job %s: never loaded before timeout", id)
		}
		tb.Fatalf("job %s: timed out in status %s (progress %.1f)", id, last.Status, last.Progress)
	}
	return last
}

// MustWaitForStatus waits until the job has one of want.
func MustWaitForStatus(tb testing.TB, get JobGetter, id string, want []job.Status, opts ...PollOption) *job.Job {
	tb.Helper()
	return WaitForJob(tb, get, id, func(j *job.Job) bool {
		return slices.Contains(want, j.Status)
	}, opts...)
}

// MustWaitForTerminal waits until the job can no longer change.
func MustWaitForTerminal(tb testing.TB, get JobGetter, id string, opts ...PollOption) *job.Job {
	tb.Helper()
	return WaitForJob(tb, get, id, func(j *job.Job) bool {
		return j.Status.Terminal()
	}, opts...)
}

// Package tracker owns the authoritative state of every job.
//
// Every Update is a read-modify-write inside the store's Update, which locks
// the record against writers in other processes. Within a process writes for
// one job id additionally queue on a keyed lock, so they reach the store in
// order and never contend for the same row.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
	"regenopt/internal/store"
)

// Tracker serializes job writes on top of a Store.
type Tracker struct {
	store  store.Store
	locks  *KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker over s.
func New(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		locks:  NewKeyedMutex(),
		now:    time.Now,
		logger: slog.With("component", "tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create stores a new pending job.
func (t *Tracker) Create(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	if j.Status != job.StatusPending {
		return apperrors.Validation("status", fmt.Sprintf("new jobs must be %s, got %s", job.StatusPending, j.Status))
	}
	unlock := t.locks.Lock(j.ID)
	defer unlock()

	if j.CreatedAt.IsZero() {
		j.CreatedAt = t.now().UTC()
	}
	return t.store.Insert(ctx, j)
}

// Update applies p to the job atomically and returns the new record. A patch
// for a job that is already terminal returns an error wrapping
// job.ErrTerminal and leaves the record unchanged.
func (t *Tracker) Update(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	return t.UpdateWith(ctx, id, func(*job.Job) job.Patch { return p })
}

// UpdateWith is Update with a patch chosen from the current record. decide
// runs inside the atomic update, so its view of the record cannot go stale
// before the patch is written.
func (t *Tracker) UpdateWith(ctx context.Context, id string, decide func(current *job.Job) job.Patch) (*job.Job, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	var from job.Status
	j, err := t.store.Update(ctx, id, func(j *job.Job) error {
		from = j.Status
		if err := decide(j).Apply(j, t.now().UTC()); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if j.Status != from {
		t.logger.Debug("Job status changed", "jobId", id, "from", from, "to", j.Status)
	}
	return j, nil
}

// Get returns a copy of the job.
func (t *Tracker) Get(ctx context.Context, id string) (*job.Job, error) {
	return t.store.Get(ctx, id)
}

// List returns the jobs matching f, oldest first.
func (t *Tracker) List(ctx context.Context, f store.Filter) ([]*job.Job, error) {
	return t.store.List(ctx, f)
}

// Delete removes a job record. Only used to roll back a job that was never
// handed to a worker.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	unlock := t.locks.Lock(id)
	defer unlock()
	return t.store.Delete(ctx, id)
}

// IsDiscarded reports whether err means the update was refused because the
// job had already finished.
func IsDiscarded(err error) bool {
	return errors.Is(err, job.ErrTerminal)
}

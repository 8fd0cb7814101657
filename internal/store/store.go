// Package store persists job records.
package store

import (
	"context"
	"slices"

	"regenopt/internal/job"
)

// Filter selects jobs in List. Zero fields match everything.
type Filter struct {
	UserID     string
	ScenarioID string
	Statuses   []job.Status
}

// Matches reports whether j satisfies the filter.
func (f Filter) Matches(j *job.Job) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.ScenarioID != "" && j.ScenarioID != f.ScenarioID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	return true
}

// Store is durable job storage. Implementations copy records on the way in
// and out so callers never share memory with the store.
//
// Get, Update and Delete return an apperrors NotFound error for unknown ids;
// Insert returns an apperrors Conflict error for an existing id.
//
// Update is the only way to change a record. mutate receives a copy of the
// current record and runs while the record is locked against every other
// writer, including other processes sharing the database. If mutate returns
// an error nothing is written and the error is returned unchanged.
type Store interface {
	Insert(ctx context.Context, j *job.Job) error
	Update(ctx context.Context, id string, mutate func(*job.Job) error) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f Filter) ([]*job.Job, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

func sortByCreation(jobs []*job.Job) {
	slices.SortStableFunc(jobs, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

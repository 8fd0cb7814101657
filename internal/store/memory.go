package store

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

const (
	jobsTable     = "jobs"
	idIndex       = "id"
	userIndex     = "user"
	scenarioIndex = "scenario"
)

// Memory is an in-process Store on top of go-memdb. Records held by the
// database are never modified in place; every write inserts a fresh copy.
type Memory struct {
	db *memdb.MemDB
}

// NewMemory creates an empty in-memory store.
func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create job database: %w", err)
	}
	return &Memory{db: db}, nil
}

func (m *Memory) Insert(_ context.Context, j *job.Job) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, j.ID)
	if err != nil {
		return apperrors.Internal("store.insert", err)
	}
	if existing != nil {
		return apperrors.Conflict("job", j.ID, "already exists")
	}
	if err := txn.Insert(jobsTable, j.Clone()); err != nil {
		return apperrors.Internal("store.insert", err)
	}
	txn.Commit()
	return nil
}

// Update runs mutate inside a write transaction. go-memdb admits one writer
// at a time, so concurrent updates of the same record never interleave.
func (m *Memory) Update(_ context.Context, id string, mutate func(*job.Job) error) (*job.Job, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, apperrors.Internal("store.update", err)
	}
	if existing == nil {
		return nil, apperrors.NotFound("job", id)
	}
	j := existing.(*job.Job).Clone()
	if err := mutate(j); err != nil {
		return nil, err
	}
	if err := txn.Insert(jobsTable, j.Clone()); err != nil {
		return nil, apperrors.Internal("store.update", err)
	}
	txn.Commit()
	return j, nil
}

func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	txn := m.db.Txn(false)
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	if obj == nil {
		return nil, apperrors.NotFound("job", id)
	}
	return obj.(*job.Job).Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*job.Job, error) {
	txn := m.db.Txn(false)

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case f.UserID != "":
		it, err = txn.Get(jobsTable, userIndex, f.UserID)
	case f.ScenarioID != "":
		it, err = txn.Get(jobsTable, scenarioIndex, f.ScenarioID)
	default:
		it, err = txn.Get(jobsTable, idIndex)
	}
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}

	jobs := make([]*job.Job, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		j := obj.(*job.Job)
		if f.Matches(j) {
			jobs = append(jobs, j.Clone())
		}
	}
	sortByCreation(jobs)
	return jobs, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return apperrors.Internal("store.delete", err)
	}
	if existing == nil {
		return apperrors.NotFound("job", id)
	}
	if err := txn.Delete(jobsTable, existing); err != nil {
		return apperrors.Internal("store.delete", err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					userIndex: {
						Name:         userIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "UserID"},
					},
					scenarioIndex: {
						Name:         scenarioIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ScenarioID"},
					},
				},
			},
		},
	}
}

var _ Store = (*Memory)(nil)

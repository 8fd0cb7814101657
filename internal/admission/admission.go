// Package admission limits how many active jobs each user may hold.
package admission

import (
	"context"
	"sync"
)

// Limiter counts active jobs per user. Acquire checks and increments in one
// atomic step; it never leaves a user above limit.
type Limiter interface {
	// Acquire takes a slot for userID if fewer than limit are held.
	// A limit of zero or less means unlimited.
	Acquire(ctx context.Context, userID string, limit int) (bool, error)
	// Release returns a slot. Counts never go below zero.
	Release(ctx context.Context, userID string) error
	// Active returns the number of slots held by userID.
	Active(ctx context.Context, userID string) (int, error)
}

// Memory is a process-local Limiter.
type Memory struct {
	mu     sync.Mutex
	active map[string]int
}

// NewMemory creates an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{active: make(map[string]int)}
}

func (m *Memory) Acquire(_ context.Context, userID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && m.active[userID] >= limit {
		return false, nil
	}
	m.active[userID]++
	return true, nil
}

func (m *Memory) Release(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[userID] <= 1 {
		delete(m.active, userID)
		return nil
	}
	m.active[userID]--
	return nil
}

func (m *Memory) Active(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[userID], nil
}

var _ Limiter = (*Memory)(nil)

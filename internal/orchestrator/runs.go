package orchestrator

import (
	"sync"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

// run is the local runtime state of a job admitted by this process.
type run struct {
	jobID    string
	userID   string
	settings job.Settings
	config   *job.Configuration
	monitor  *Monitor

	releaseOnce sync.Once
}

// runRegistry tracks the runs owned by this process.
type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*run)}
}

// add registers r. Returns a conflict error if the id is taken.
func (r *runRegistry) add(rn *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[rn.jobID]; exists {
		return apperrors.Conflict("job", rn.jobID, "run already registered")
	}
	r.runs[rn.jobID] = rn
	return nil
}

// remove drops a run. Returns the run if it existed.
func (r *runRegistry) remove(jobID string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, exists := r.runs[jobID]
	if exists {
		delete(r.runs, jobID)
	}
	return rn, exists
}

func (r *runRegistry) get(jobID string) (*run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, exists := r.runs[jobID]
	return rn, exists
}

func (r *runRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

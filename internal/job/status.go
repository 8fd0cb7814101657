package job

// Status is the life-cycle state of a job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusConverging   Status = "converging"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimeout      Status = "timeout"
)

// transitions lists the legal successor states of every non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:      {StatusInitializing, StatusCancelled},
	StatusInitializing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusConverging, StatusFailed, StatusCancelled, StatusTimeout},
	StatusConverging:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether the job still counts against admission limits.
func (s Status) Active() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ActiveStatuses returns the statuses counted as active.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusInitializing, StatusRunning, StatusConverging}
}

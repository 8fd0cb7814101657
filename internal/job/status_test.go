package job

import "testing"

func TestStatus_CanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInitializing, true},
		{StatusInitializing, StatusRunning, true},
		{StatusRunning, StatusConverging, true},
		{StatusConverging, StatusCompleted, true},

		{StatusInitializing, StatusFailed, true},
		{StatusRunning, StatusFailed, true},
		{StatusConverging, StatusFailed, true},
		{StatusPending, StatusFailed, false},

		{StatusPending, StatusCancelled, true},
		{StatusInitializing, StatusCancelled, true},
		{StatusRunning, StatusCancelled, true},
		{StatusConverging, StatusCancelled, true},

		{StatusRunning, StatusTimeout, true},
		{StatusConverging, StatusTimeout, true},
		{StatusPending, StatusTimeout, false},
		{StatusInitializing, StatusTimeout, false},

		{StatusPending, StatusRunning, false},
		{StatusRunning, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusPending, false},
		{StatusTimeout, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatus_TerminalAndActive(t *testing.T) {
	t.Parallel()
	for _, s := range ActiveStatuses() {
		if !s.Active() || s.Terminal() {
			t.Errorf("%s should be active and not terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		if s.Active() || !s.Terminal() {
			t.Errorf("%s should be terminal and not active", s)
		}
	}
}

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

func newJob(id, user, scenario string, status job.Status, created time.Time) *job.Job {
	return &job.Job{
		ID:            id,
		ScenarioID:    scenario,
		UserID:        user,
		Status:        status,
		MaxIterations: 50,
		CorrelationID: "corr-" + id,
		Settings: job.Settings{
			Objective:     job.ObjectiveMinimizeFuel,
			Algorithm:     job.AlgorithmSLSQP,
			Variables:     []job.Variable{{Name: "height", Unit: "m", Min: 0.3, Max: 2, Initial: 1}},
			MaxIterations: 50,
			Tolerance:     1e-6,
			MaxRuntime:    time.Minute,
		},
		CreatedAt: created,
	}
}

// testStore runs the behaviour every Store must share.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	prefix := uuid.NewString()[:8] + "-"
	user := prefix + "alice"

	a := newJob(prefix+"a", user, prefix+"sc-1", job.StatusRunning, base)
	b := newJob(prefix+"b", user, prefix+"sc-2", job.StatusCompleted, base.Add(time.Second))
	c := newJob(prefix+"c", prefix+"bob", prefix+"sc-1", job.StatusPending, base.Add(2*time.Second))

	for _, j := range []*job.Job{b, a, c} {
		if err := s.Insert(ctx, j); err != nil {
			t.Fatalf("Insert(%s): %v", j.ID, err)
		}
	}

	t.Run("insert duplicate", func(t *testing.T) {
		if err := s.Insert(ctx, a); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("get round trip", func(t *testing.T) {
		got, err := s.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(a, got); diff != "" {
			t.Errorf("job mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := s.Get(ctx, prefix+"missing"); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update", func(t *testing.T) {
		best := 101.5
		started := base.Add(time.Minute)
		want := a.Clone()
		want.Status = job.StatusConverging
		want.Progress = 60
		want.Iteration = 30
		want.BestObjective = &best
		want.BestDesign = map[string]float64{"height": 0.98}
		want.History = []job.Sample{{Iteration: 30, Objective: best, Feasible: true}}
		want.Result = &job.Result{ObjectiveValue: best, DesignVariables: map[string]float64{"height": 0.98}, Feasible: true}
		want.StartedAt = &started

		updated, err := s.Update(ctx, a.ID, func(j *job.Job) error {
			*j = *want.Clone()
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if diff := cmp.Diff(want, updated); diff != "" {
			t.Errorf("returned job mismatch (-want +got):\n%s", diff)
		}
		got, err := s.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("stored job mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("update rejected by mutate", func(t *testing.T) {
		refused := errors.New("refused")
		_, err := s.Update(ctx, a.ID, func(j *job.Job) error {
			j.Status = job.StatusFailed
			return refused
		})
		if !errors.Is(err, refused) {
			t.Fatalf("expected the mutate error, got %v", err)
		}
		got, _ := s.Get(ctx, a.ID)
		if got.Status != job.StatusConverging {
			t.Errorf("rejected update was written: status %s", got.Status)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := s.Update(ctx, prefix+"ghost", func(*job.Job) error { return nil })
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected ErrNotFound updating unknown job, got %v", err)
		}
	})

	t.Run("concurrent updates", func(t *testing.T) {
		const writers = 20
		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Update(ctx, b.ID, func(j *job.Job) error {
					j.Attempts++
					return nil
				}); err != nil {
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		got, _ := s.Get(ctx, b.ID)
		if got.Attempts != writers {
			t.Errorf("expected %d attempts after concurrent updates, got %d", writers, got.Attempts)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		byUser, err := s.List(ctx, Filter{UserID: user})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if ids := jobIDs(byUser); !cmp.Equal(ids, []string{a.ID, b.ID}) {
			t.Errorf("expected creation order [a b], got %v", ids)
		}

		active, err := s.List(ctx, Filter{UserID: user, Statuses: job.ActiveStatuses()})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if ids := jobIDs(active); !cmp.Equal(ids, []string{a.ID}) {
			t.Errorf("expected only the active job, got %v", ids)
		}

		byScenario, err := s.List(ctx, Filter{ScenarioID: prefix + "sc-1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if ids := jobIDs(byScenario); !cmp.Equal(ids, []string{a.ID, c.ID}) {
			t.Errorf("expected scenario jobs [a c], got %v", ids)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete(ctx, c.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, c.ID); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected deleted job to be gone, got %v", err)
		}
		if err := s.Delete(ctx, c.ID); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func jobIDs(jobs []*job.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestMemory(t *testing.T) {
	t.Parallel()
	s, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	testStore(t, s)
}

func TestMemory_CopiesRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	j := newJob("j1", "u", "sc", job.StatusRunning, time.Now())
	j.BestDesign = map[string]float64{"height": 1}
	if err := s.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	j.BestDesign["height"] = 5

	got, _ := s.Get(ctx, "j1")
	if got.BestDesign["height"] != 1 {
		t.Error("store shares memory with the inserted record")
	}
	got.Status = job.StatusFailed
	again, _ := s.Get(ctx, "j1")
	if again.Status != job.StatusRunning {
		t.Error("store shares memory with returned records")
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("REGENOPT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REGENOPT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	testStore(t, s)
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()
	j := newJob("j", "u", "sc", job.StatusRunning, time.Now())
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"user", Filter{UserID: "u"}, true},
		{"other user", Filter{UserID: "v"}, false},
		{"scenario", Filter{ScenarioID: "sc"}, true},
		{"active", Filter{Statuses: job.ActiveStatuses()}, true},
		{"terminal only", Filter{Statuses: []job.Status{job.StatusCompleted}}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(j); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

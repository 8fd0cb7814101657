package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"regenopt/internal/testutil"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.QueueSize != 100 || cfg.Workers != 4 || cfg.Name != "worker" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	cfg = Config{Name: "jobs", QueueSize: 3, Workers: 1}.withDefaults()
	if cfg.QueueSize != 3 || cfg.Workers != 1 || cfg.Name != "jobs" {
		t.Errorf("explicit values overwritten %+v", cfg)
	}
}

func TestPool_RunsTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 10, Workers: 2}, nil)
	defer p.Close(context.Background())

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	testutil.Eventually(t, func() bool { return ran.Load() == 5 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	testutil.Eventually(t, func() bool { return p.Stats().Completed == 5 }, testutil.WithTimeout(5*time.Second))
	if s := p.Stats(); s.Submitted != 5 || s.Rejected != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 1, Workers: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func(context.Context) { close(started); <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("second Submit should fill the queue, got %v", err)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", p.Stats().Rejected)
	}

	close(release)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 10, Workers: 1}, nil)

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		_ = p.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		})
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ran.Load() != 5 {
		t.Errorf("expected all queued tasks to run, got %d", ran.Load())
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestPool_CancelQueuedOnClose(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 10, Workers: 1, CancelQueuedOnClose: true}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var ranLive, ranCancelled atomic.Int64
	_ = p.Submit(func(ctx context.Context) {
		close(started)
		<-release
		if ctx.Err() == nil {
			ranLive.Add(1)
		}
	})
	<-started
	for i := 0; i < 3; i++ {
		_ = p.Submit(func(ctx context.Context) {
			if ctx.Err() != nil {
				ranCancelled.Add(1)
				return
			}
			ranLive.Add(1)
		})
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()
	testutil.Eventually(t, func() bool {
		select {
		case <-p.shutdown:
			return true
		default:
			return false
		}
	})
	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ranLive.Load() != 1 || ranCancelled.Load() != 3 {
		t.Errorf("expected 1 live and 3 cancelled tasks, got %d and %d", ranLive.Load(), ranCancelled.Load())
	}
	if s := p.Stats(); s.Skipped != 3 || s.Completed != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPool_CloseTimeoutCancelsTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 1, Workers: 1}, nil)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 10, Workers: 1}, nil)

	var ran atomic.Int64
	_ = p.Submit(func(context.Context) { panic("boom") })
	_ = p.Submit(func(context.Context) { ran.Add(1) })

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ran.Load() != 1 {
		t.Error("worker must survive a panicking task")
	}
	if s := p.Stats(); s.Panics != 1 || s.Completed != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

// Package orchestrator admits optimization jobs and drives them through the
// evaluator until they reach a terminal state.
//
// Every job is owned by one run: a task on the worker pool that issues
// evaluator rounds strictly one after another, plus a Monitor that finalizes
// the job on cancellation or when its runtime deadline passes. All state is
// written through the tracker, which lets exactly one terminal transition win.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"regenopt/internal/admission"
	"regenopt/internal/apperrors"
	"regenopt/internal/job"
	"regenopt/internal/scenario"
	"regenopt/internal/solver"
	"regenopt/internal/store"
	"regenopt/internal/tracker"
	"regenopt/internal/worker"
)

// AdminRole may cancel and read any user's jobs.
const AdminRole = "admin"

// Requester identifies the caller of an operation.
type Requester struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the requester has the privileged role.
func (r Requester) IsAdmin() bool {
	return r.Role == AdminRole
}

// CanAccess reports whether the requester may act on j.
func (r Requester) CanAccess(j *job.Job) bool {
	return r.IsAdmin() || (r.UserID != "" && r.UserID == j.UserID)
}

// Gateway runs optimization rounds on the evaluator.
type Gateway interface {
	Optimize(ctx context.Context, req *solver.Request) (*solver.Response, error)
}

// Submitter queues work on a bounded pool.
type Submitter interface {
	Submit(task worker.Task) error
}

// Notifier is told about job life-cycle events. Calls must not block.
type Notifier interface {
	JobStarted(j *job.Job)
	JobFinished(j *job.Job)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context)
	RecordJobFinished(ctx context.Context, status string, durationSeconds float64)
	RecordAdmissionDenied(ctx context.Context, reason string)
}

// Config holds orchestrator settings.
type Config struct {
	MaxActiveJobsPerUser int           // 0 = unlimited
	RoundIterations      int           // cap on iterations per evaluator round, 0 = whole budget
	DefaultMaxRuntime    time.Duration // used when a scenario sets none (default: 30m)
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRuntime <= 0 {
		c.DefaultMaxRuntime = 30 * time.Minute
	}
	if c.MaxActiveJobsPerUser < 0 {
		c.MaxActiveJobsPerUser = 0
	}
	if c.RoundIterations < 0 {
		c.RoundIterations = 0
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Notifier, Metrics and
// EvaluatorHealth are optional.
type Deps struct {
	Scenarios scenario.Source
	Tracker   *tracker.Tracker
	Gateway   Gateway
	Limiter   admission.Limiter
	Pool      Submitter
	Notifier  Notifier
	Metrics   MetricsRecorder

	// EvaluatorHealth, when set, is consulted before admitting a job.
	EvaluatorHealth func(ctx context.Context) error

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Orchestrator is the entry point for starting, cancelling and observing jobs.
type Orchestrator struct {
	cfg       Config
	scenarios scenario.Source
	tracker   *tracker.Tracker
	gateway   Gateway
	limiter   admission.Limiter
	pool      Submitter
	notifier  Notifier
	metrics   MetricsRecorder
	health    func(ctx context.Context) error
	now       func() time.Time

	runs      *runRegistry
	userLocks *tracker.KeyedMutex
	draining  atomic.Bool
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		scenarios: deps.Scenarios,
		tracker:   deps.Tracker,
		gateway:   deps.Gateway,
		limiter:   deps.Limiter,
		pool:      deps.Pool,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		health:    deps.EvaluatorHealth,
		now:       now,
		runs:      newRunRegistry(),
		userLocks: tracker.NewKeyedMutex(),
		logger:    slog.With("component", "orchestrator"),
	}
}

// StartJob admits a job for the scenario and queues its run. It returns the
// pending job without waiting for any evaluator call.
func (o *Orchestrator) StartJob(ctx context.Context, scenarioID string, overrides *job.Overrides, requester Requester) (*job.Job, error) {
	if requester.UserID == "" {
		return nil, apperrors.Validation("userId", "requester is required")
	}
	if o.draining.Load() {
		return nil, apperrors.Unavailable("orchestrator", errors.New("shutting down"))
	}

	sc, err := o.scenarios.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if sc.UserID != "" && sc.UserID != requester.UserID && !requester.IsAdmin() {
		return nil, apperrors.Forbidden("scenario", scenarioID)
	}
	cfg, err := o.scenarios.GetConfiguration(ctx, sc.ConfigurationID)
	if err != nil {
		return nil, err
	}
	settings, err := sc.Resolve(overrides, o.cfg.DefaultMaxRuntime)
	if err != nil {
		return nil, apperrors.InvalidScenario(scenarioID, err)
	}

	if o.health != nil {
		if err := o.health(ctx); err != nil {
			return nil, apperrors.Unavailable("evaluator", err)
		}
	}

	unlock := o.userLocks.Lock(requester.UserID)
	defer unlock()

	sameScenario, err := o.tracker.List(ctx, store.Filter{
		UserID:     requester.UserID,
		ScenarioID: scenarioID,
		Statuses:   job.ActiveStatuses(),
	})
	if err != nil {
		return nil, err
	}
	if len(sameScenario) > 0 {
		o.recordDenied(ctx, "duplicate")
		return nil, apperrors.AdmissionDenied(
			fmt.Sprintf("an active job already exists for scenario %s", scenarioID), jobIDs(sameScenario)...)
	}

	granted, err := o.limiter.Acquire(ctx, requester.UserID, o.cfg.MaxActiveJobsPerUser)
	if err != nil {
		return nil, apperrors.Internal("admission.acquire", err)
	}
	if !granted {
		active, err := o.tracker.List(ctx, store.Filter{UserID: requester.UserID, Statuses: job.ActiveStatuses()})
		if err != nil {
			o.logger.Warn("Failed to list conflicting jobs", "userId", requester.UserID, "error", err)
		}
		o.recordDenied(ctx, "limit")
		return nil, apperrors.AdmissionDenied(
			fmt.Sprintf("limit of %d active jobs reached", o.cfg.MaxActiveJobsPerUser), jobIDs(active)...)
	}

	j := &job.Job{
		ID:            newJobID(),
		ScenarioID:    scenarioID,
		UserID:        requester.UserID,
		Status:        job.StatusPending,
		MaxIterations: settings.MaxIterations,
		Settings:      *settings,
		CorrelationID: newCorrelationID(),
		CreatedAt:     o.now().UTC(),
	}
	if err := o.tracker.Create(ctx, j); err != nil {
		o.release(ctx, requester.UserID)
		return nil, err
	}

	rn := &run{jobID: j.ID, userID: j.UserID, settings: *settings, config: cfg}
	rn.monitor = newMonitor(func(reason StopReason) { o.finalize(rn, reason) })
	if err := o.runs.add(rn); err != nil {
		o.rollback(ctx, j)
		return nil, err
	}

	if err := o.pool.Submit(func(ctx context.Context) { o.execute(ctx, rn) }); err != nil {
		o.runs.remove(j.ID)
		o.rollback(ctx, j)
		if errors.Is(err, worker.ErrQueueFull) {
			o.recordDenied(ctx, "queue_full")
			return nil, apperrors.AdmissionDenied("worker queue full")
		}
		return nil, apperrors.Unavailable("worker pool", err)
	}

	if o.metrics != nil {
		o.metrics.RecordJobStarted(ctx)
	}
	o.logger.Info("Job admitted",
		"jobId", j.ID,
		"scenarioId", scenarioID,
		"userId", requester.UserID,
		"maxIterations", settings.MaxIterations,
		"maxRuntime", settings.MaxRuntime,
	)
	return j.Clone(), nil
}

// rollback removes a job that never reached a worker and frees its slot.
func (o *Orchestrator) rollback(ctx context.Context, j *job.Job) {
	if err := o.tracker.Delete(context.WithoutCancel(ctx), j.ID); err != nil {
		o.logger.Error("Failed to roll back job", "jobId", j.ID, "error", err)
	}
	o.release(ctx, j.UserID)
}

// CancelJob stops a job. Cancelling a finished job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string, requester Requester) (*job.Job, error) {
	j, err := o.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(j) {
		return nil, apperrors.Forbidden("job", jobID)
	}
	if j.Status.Terminal() {
		return j, nil
	}

	if rn, ok := o.runs.get(jobID); ok {
		rn.monitor.Cancel()
	} else {
		// Not running here: owned by another instance or orphaned.
		updated, err := o.tracker.Update(ctx, jobID, job.Patch{Status: job.StatusPtr(job.StatusCancelled)})
		switch {
		case err == nil:
			o.terminated(context.WithoutCancel(ctx), nil, updated)
		case !tracker.IsDiscarded(err):
			return nil, err
		}
	}
	o.logger.Info("Job cancel requested", "jobId", jobID, "requester", requester.UserID)
	return o.tracker.Get(ctx, jobID)
}

// GetJob returns a copy of the job record.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return o.tracker.Get(ctx, jobID)
}

// GetProgress returns the polling view of a job the requester may see.
func (o *Orchestrator) GetProgress(ctx context.Context, jobID string, requester Requester) (*job.Progress, error) {
	j, err := o.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(j) {
		return nil, apperrors.Forbidden("job", jobID)
	}
	return j.ProgressView(), nil
}

// ListJobs returns the jobs of a user, oldest first.
func (o *Orchestrator) ListJobs(ctx context.Context, userID string, activeOnly bool) ([]*job.Job, error) {
	f := store.Filter{UserID: userID}
	if activeOnly {
		f.Statuses = job.ActiveStatuses()
	}
	return o.tracker.List(ctx, f)
}

// Recover finalizes active jobs that no run in this process owns, typically
// left behind by a crash. It returns how many jobs were finalized.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.tracker.List(ctx, store.Filter{Statuses: job.ActiveStatuses()})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range active {
		if _, ok := o.runs.get(j.ID); ok {
			continue
		}
		status, msg := job.StatusFailed, "orchestrator restarted while job was active"
		if j.Status == job.StatusPending {
			status, msg = job.StatusCancelled, "orchestrator restarted before job started"
		}
		updated, err := o.tracker.Update(ctx, j.ID, job.Patch{Status: job.StatusPtr(status), Error: &msg})
		if err != nil {
			if tracker.IsDiscarded(err) {
				continue
			}
			return recovered, err
		}
		o.terminated(ctx, nil, updated)
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("Recovered orphaned jobs", "count", recovered)
	}
	return recovered, nil
}

// Drain stops admitting new jobs. Runs already queued or running continue.
func (o *Orchestrator) Drain() {
	if !o.draining.Swap(true) {
		o.logger.Info("Orchestrator draining", "runs", o.runs.len())
	}
}

// ActiveRuns returns the number of runs owned by this process.
func (o *Orchestrator) ActiveRuns() int {
	return o.runs.len()
}

// finalize is the monitor callback. It writes Cancelled or Timeout unless the
// job already finished.
func (o *Orchestrator) finalize(rn *run, reason StopReason) {
	ctx := context.Background()
	p := job.Patch{Status: job.StatusPtr(job.StatusCancelled)}
	if reason == ReasonTimeout {
		msg := fmt.Sprintf("job exceeded max runtime of %s", rn.settings.MaxRuntime)
		p = job.Patch{Status: job.StatusPtr(job.StatusTimeout), Error: &msg}
	}

	j, err := o.tracker.Update(ctx, rn.jobID, p)
	if err != nil {
		if !tracker.IsDiscarded(err) {
			o.logger.Error("Failed to finalize job", "jobId", rn.jobID, "reason", reason, "error", err)
		}
		return
	}
	o.terminated(ctx, rn, j)
}

// terminated runs once per job after its terminal transition was written.
func (o *Orchestrator) terminated(ctx context.Context, rn *run, j *job.Job) {
	release := func() { o.release(ctx, j.UserID) }
	if rn != nil {
		rn.releaseOnce.Do(release)
	} else {
		release()
	}

	var duration time.Duration
	if j.StartedAt != nil && j.CompletedAt != nil {
		duration = j.CompletedAt.Sub(*j.StartedAt)
	}
	if o.metrics != nil {
		o.metrics.RecordJobFinished(ctx, string(j.Status), duration.Seconds())
	}
	if o.notifier != nil {
		o.notifier.JobFinished(j)
	}

	attrs := []any{"jobId", j.ID, "status", j.Status, "iteration", j.Iteration, "duration", duration}
	if j.Error != "" {
		attrs = append(attrs, "error", j.Error)
	}
	o.logger.Info("Job finished", attrs...)
}

func (o *Orchestrator) release(ctx context.Context, userID string) {
	if err := o.limiter.Release(context.WithoutCancel(ctx), userID); err != nil {
		o.logger.Error("Failed to release admission slot", "userId", userID, "error", err)
	}
}

func (o *Orchestrator) recordDenied(ctx context.Context, reason string) {
	if o.metrics != nil {
		o.metrics.RecordAdmissionDenied(ctx, reason)
	}
}

func jobIDs(jobs []*job.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

// errorMessage renders a run-time failure for the job record.
func errorMessage(err error) string {
	var se *solver.Error
	if errors.As(err, &se) && se.Class == solver.ClassValidation {
		return se.Message
	}
	return strings.TrimSpace(err.Error())
}

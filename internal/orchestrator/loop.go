package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"runtime/debug"
	"time"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
	"regenopt/internal/solver"
	"regenopt/internal/tracker"
	"regenopt/pkg/backoff"
)

// progress accumulates what the rounds of one run have produced so far.
type progress struct {
	rounds        int
	attempts      int
	iteration     int
	funcEvals     int
	gradientEvals int
	best          *solver.Response
	last          *solver.Response
}

// record folds a response into the totals. It reports whether the response
// became the new best design.
func (p *progress) record(resp *solver.Response, objective job.Objective) bool {
	p.rounds++
	p.attempts += resp.Attempts
	p.iteration += resp.Iterations
	p.funcEvals += resp.FunctionEvaluations
	p.gradientEvals += resp.GradientEvaluations
	p.last = resp

	if p.best == nil {
		p.best = resp
		return true
	}
	if !resp.Feasible {
		return false
	}
	if !p.best.Feasible || objective.Better(resp.ObjectiveValue, p.best.ObjectiveValue) {
		p.best = resp
		return true
	}
	return false
}

// execute is the worker task of one job. It issues evaluator rounds one at a
// time until the job reaches a terminal state or the run is stopped.
func (o *Orchestrator) execute(ctx context.Context, rn *run) {
	defer o.runs.remove(rn.jobID)
	defer rn.monitor.Stop()

	logger := o.logger.With("jobId", rn.jobID, "userId", rn.userID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rn.monitor.Context(), cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job run panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			o.fail(rn, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if rn.monitor.Reason() != "" {
		return
	}
	if ctx.Err() != nil {
		logger.Warn("Job not started, orchestrator shutting down")
		rn.releaseOnce.Do(func() { o.release(context.Background(), rn.userID) })
		return
	}

	startedAt := o.now().UTC()
	if _, err := o.write(rn, job.Patch{Status: job.StatusPtr(job.StatusInitializing), StartedAt: &startedAt}); err != nil {
		o.writeFailed(logger, rn, err)
		return
	}
	j, err := o.write(rn, job.Patch{Status: job.StatusPtr(job.StatusRunning)})
	if err != nil {
		o.writeFailed(logger, rn, err)
		return
	}
	rn.monitor.Arm(startedAt.Add(rn.settings.MaxRuntime))
	if o.notifier != nil {
		o.notifier.JobStarted(j)
	}
	logger.Info("Job started", "scenarioId", j.ScenarioID, "correlationId", j.CorrelationID, "deadline", startedAt.Add(rn.settings.MaxRuntime))

	var p progress
	for round := 1; ; round++ {
		if o.interrupted(runCtx, ctx, rn, logger) {
			return
		}

		req := o.buildRequest(rn, j.CorrelationID, round, &p)
		resp, err := o.gateway.Optimize(runCtx, req)
		if err != nil {
			if runCtx.Err() != nil {
				o.interrupted(runCtx, ctx, rn, logger)
				return
			}
			var exhausted *solver.RetriesExhaustedError
			if errors.As(err, &exhausted) {
				p.attempts += exhausted.Attempts
			} else {
				p.attempts++
			}
			logger.Warn("Evaluator round failed", "round", round, "attempts", p.attempts, "error", err)
			o.failWith(rn, errorMessage(err), job.Patch{Attempts: &p.attempts})
			return
		}

		improved := p.record(resp, rn.settings.Objective)
		done, err := o.applyRound(rn, resp, &p, improved)
		if err != nil {
			o.writeFailed(logger, rn, err)
			return
		}
		logger.Debug("Evaluator round finished",
			"round", round,
			"iterations", resp.Iterations,
			"total", p.iteration,
			"objective", resp.ObjectiveValue,
			"feasible", resp.Feasible,
			"converged", resp.Converged,
		)

		if done {
			o.complete(rn, &p, logger)
			return
		}
		if resp.Iterations == 0 {
			o.fail(rn, fmt.Sprintf("evaluator reported no progress in round %d", round))
			return
		}
	}
}

// applyRound records one evaluator response on the job and reports whether
// the optimization is finished.
func (o *Orchestrator) applyRound(rn *run, resp *solver.Response, p *progress, improved bool) (bool, error) {
	offset := p.iteration - resp.Iterations
	pct := job.PercentComplete(p.iteration, rn.settings.MaxIterations)
	patch := job.Patch{
		Iteration:     &p.iteration,
		Progress:      &pct,
		AppendHistory: historySamples(resp, offset),
		Rounds:        &p.rounds,
		Attempts:      &p.attempts,
	}
	if improved {
		obj := resp.ObjectiveValue
		patch.BestObjective = &obj
		patch.BestDesign = maps.Clone(resp.DesignVariables)
	}
	if _, err := o.write(rn, patch); err != nil {
		return false, err
	}

	s := rn.settings
	done := resp.Converged ||
		p.iteration >= s.MaxIterations ||
		(s.MaxFunctionEvaluations > 0 && p.funcEvals >= s.MaxFunctionEvaluations)
	return done, nil
}

// complete moves the job through Converging to Completed with its result.
func (o *Orchestrator) complete(rn *run, p *progress, logger *slog.Logger) {
	if _, err := o.write(rn, job.Patch{Status: job.StatusPtr(job.StatusConverging)}); err != nil {
		o.writeFailed(logger, rn, err)
		return
	}
	result := buildResult(p)
	j, err := o.write(rn, job.Patch{Status: job.StatusPtr(job.StatusCompleted), Result: result})
	if err != nil {
		o.writeFailed(logger, rn, err)
		return
	}
	o.terminated(context.Background(), rn, j)
}

// interrupted reports whether the run must stop before the next round. It
// covers the local monitor, pool shutdown and a terminal status written by
// another instance.
func (o *Orchestrator) interrupted(runCtx, poolCtx context.Context, rn *run, logger *slog.Logger) bool {
	if rn.monitor.Reason() != "" {
		logger.Info("Job run stopped", "reason", rn.monitor.Reason())
		return true
	}
	if poolCtx.Err() != nil {
		o.fail(rn, "orchestrator shut down while job was active")
		return true
	}
	if runCtx.Err() != nil {
		return true
	}

	j, err := o.tracker.Get(context.Background(), rn.jobID)
	if err != nil {
		logger.Error("Failed to read job state", "error", err)
		o.fail(rn, fmt.Sprintf("internal error: %v", err))
		return true
	}
	if j.Status.Terminal() {
		logger.Info("Job finished elsewhere, stopping run", "status", j.Status)
		return true
	}
	return false
}

func (o *Orchestrator) write(rn *run, p job.Patch) (*job.Job, error) {
	return o.tracker.Update(context.Background(), rn.jobID, p)
}

// writeFailed handles a tracker write error in the run loop. Writes refused
// because the job already finished mean the run lost the race and stops.
func (o *Orchestrator) writeFailed(logger *slog.Logger, rn *run, err error) {
	if tracker.IsDiscarded(err) {
		logger.Info("Discarding evaluator result for finished job")
		return
	}
	logger.Error("Failed to update job", "error", err)
	o.fail(rn, fmt.Sprintf("internal error: %v", err))
}

func (o *Orchestrator) fail(rn *run, msg string) {
	o.failWith(rn, msg, job.Patch{})
}

// finalWrite retries the write that ends a failed run. Only store errors are
// retried; a job that already finished is left alone.
var finalWrite = backoff.Policy{
	Budget: func(err error) int {
		if tracker.IsDiscarded(err) || errors.Is(err, apperrors.ErrNotFound) {
			return 0
		}
		return 3
	},
	Backoff: backoff.Config{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond},
}

// failWith ends the run with an error. A job that never left Pending can only
// be cancelled, so it becomes Cancelled with the same message.
func (o *Orchestrator) failWith(rn *run, msg string, p job.Patch) {
	p.Error = &msg
	var j *job.Job
	_, err := finalWrite.Do(context.Background(), func(int) error {
		var err error
		j, err = o.tracker.UpdateWith(context.Background(), rn.jobID, func(current *job.Job) job.Patch {
			final := p
			final.Status = job.StatusPtr(job.StatusFailed)
			if current.Status == job.StatusPending {
				final.Status = job.StatusPtr(job.StatusCancelled)
			}
			return final
		})
		return err
	})
	if err != nil {
		if !tracker.IsDiscarded(err) {
			o.logger.Error("Failed to finalize failed job, leaving it to recovery", "jobId", rn.jobID, "error", err)
			rn.releaseOnce.Do(func() { o.release(context.Background(), rn.userID) })
		}
		return
	}
	o.terminated(context.Background(), rn, j)
}

// buildRequest assembles the evaluator request for a round. Later rounds warm
// start from the best design found so far.
func (o *Orchestrator) buildRequest(rn *run, correlationID string, round int, p *progress) *solver.Request {
	s := rn.settings
	remaining := s.MaxIterations - p.iteration
	if o.cfg.RoundIterations > 0 {
		remaining = min(remaining, o.cfg.RoundIterations)
	}

	vars := make([]solver.DesignVariable, len(s.Variables))
	for i, v := range s.Variables {
		initial := v.Initial
		if p.best != nil {
			if x, ok := p.best.DesignVariables[v.Name]; ok && !math.IsNaN(x) {
				initial = math.Max(v.Min, math.Min(v.Max, x))
			}
		}
		vars[i] = solver.DesignVariable{
			Name:         v.Name,
			Unit:         v.Unit,
			LowerBound:   v.Min,
			UpperBound:   v.Max,
			InitialValue: initial,
		}
	}

	req := &solver.Request{
		CorrelationID:   correlationID,
		Round:           round,
		Objective:       string(s.Objective),
		Algorithm:       string(s.Algorithm),
		DesignVariables: vars,
		MaxIterations:   remaining,
		Tolerance:       s.Tolerance,
		Constraints: solver.Constraints{
			MaxPressureDrop:            s.Constraints.MaxPressureDrop,
			MinThermalEfficiency:       s.Constraints.MinThermalEfficiency,
			MinHeatTransferCoefficient: s.Constraints.MinHeatTransferCoefficient,
		},
	}
	if s.MaxFunctionEvaluations > 0 {
		req.MaxFunctionEvaluations = max(1, s.MaxFunctionEvaluations-p.funcEvals)
	}
	if rn.config != nil {
		req.Configuration = solver.Configuration{
			Geometry: rn.config.Geometry,
			Thermal:  rn.config.Thermal,
			Flow:     rn.config.Flow,
		}
	}
	return req
}

// historySamples converts the evaluator history of one round into job
// samples numbered across rounds. Without a history the round contributes a
// single sample.
func historySamples(resp *solver.Response, offset int) []job.Sample {
	if len(resp.History) == 0 {
		return []job.Sample{{
			Iteration: offset + resp.Iterations,
			Objective: resp.ObjectiveValue,
			Feasible:  resp.Feasible,
		}}
	}
	samples := make([]job.Sample, len(resp.History))
	for i, h := range resp.History {
		samples[i] = job.Sample{Iteration: offset + h.Iteration, Objective: h.Objective, Feasible: h.Feasible}
	}
	return samples
}

func buildResult(p *progress) *job.Result {
	best, last := p.best, p.last
	return &job.Result{
		ObjectiveValue:       best.ObjectiveValue,
		DesignVariables:      maps.Clone(best.DesignVariables),
		Performance:          performance(best.Performance),
		Feasible:             best.Feasible,
		ConstraintViolations: maps.Clone(best.ConstraintViolations),
		Convergence: job.ConvergenceInfo{
			Converged:           last.Converged,
			StatusCode:          last.StatusCode,
			Message:             last.Message,
			Iterations:          p.iteration,
			FunctionEvaluations: p.funcEvals,
			GradientEvaluations: p.gradientEvals,
		},
	}
}

func performance(m solver.Performance) job.PerformanceMetrics {
	return job.PerformanceMetrics{
		ThermalEfficiency:       m.ThermalEfficiency,
		HeatTransferRate:        m.HeatTransferRate,
		PressureDrop:            m.PressureDrop,
		NTU:                     m.NTU,
		Effectiveness:           m.Effectiveness,
		HeatTransferCoefficient: m.HeatTransferCoefficient,
		SurfaceArea:             m.SurfaceArea,
		WallHeatLoss:            m.WallHeatLoss,
		ReynoldsNumber:          m.ReynoldsNumber,
		NusseltNumber:           m.NusseltNumber,
	}
}

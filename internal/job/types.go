// Package job defines optimization scenarios, jobs and their life cycle.
package job

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"
)

// Patch application errors.
var (
	ErrTerminal          = errors.New("job is already in a terminal state")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrResultSet         = errors.New("job result is already set")
)

// PerformanceMetrics are the regenerator performance figures produced by the evaluator.
type PerformanceMetrics struct {
	ThermalEfficiency       float64 `json:"thermalEfficiency"`
	HeatTransferRate        float64 `json:"heatTransferRate"`
	PressureDrop            float64 `json:"pressureDrop"`
	NTU                     float64 `json:"ntu"`
	Effectiveness           float64 `json:"effectiveness"`
	HeatTransferCoefficient float64 `json:"heatTransferCoefficient"`
	SurfaceArea             float64 `json:"surfaceArea"`
	WallHeatLoss            float64 `json:"wallHeatLoss"`
	ReynoldsNumber          float64 `json:"reynoldsNumber"`
	NusseltNumber           float64 `json:"nusseltNumber"`
}

// ConvergenceInfo describes how the evaluator terminated.
type ConvergenceInfo struct {
	Converged           bool   `json:"converged"`
	StatusCode          int    `json:"statusCode"`
	Message             string `json:"message,omitempty"`
	FunctionEvaluations int    `json:"functionEvaluations"`
	GradientEvaluations int    `json:"gradientEvaluations"`
	Iterations          int    `json:"iterations"`
}

// Sample is one point of a job's convergence history.
type Sample struct {
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`
	Feasible  bool    `json:"feasible"`
}

// Result is the final payload attached to a completed job.
type Result struct {
	ObjectiveValue       float64            `json:"objectiveValue"`
	DesignVariables      map[string]float64 `json:"designVariables"`
	Performance          PerformanceMetrics `json:"performance"`
	Convergence          ConvergenceInfo    `json:"convergence"`
	Feasible             bool               `json:"feasible"`
	ConstraintViolations map[string]float64 `json:"constraintViolations,omitempty"`
}

// Job is one execution attempt of a scenario.
type Job struct {
	ID            string             `json:"id"`
	ScenarioID    string             `json:"scenarioId"`
	UserID        string             `json:"userId"`
	Status        Status             `json:"status"`
	Progress      float64            `json:"progress"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"maxIterations"`
	BestObjective *float64           `json:"bestObjective,omitempty"`
	BestDesign    map[string]float64 `json:"bestDesign,omitempty"`
	History       []Sample           `json:"history,omitempty"`
	Result        *Result            `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	Settings      Settings           `json:"settings"`
	CorrelationID string             `json:"correlationId"`
	Rounds        int                `json:"rounds"`
	Attempts      int                `json:"attempts"`
	CreatedAt     time.Time          `json:"createdAt"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.BestObjective != nil {
		v := *j.BestObjective
		c.BestObjective = &v
	}
	c.BestDesign = maps.Clone(j.BestDesign)
	c.History = slices.Clone(j.History)
	if j.Result != nil {
		r := *j.Result
		r.DesignVariables = maps.Clone(j.Result.DesignVariables)
		r.ConstraintViolations = maps.Clone(j.Result.ConstraintViolations)
		c.Result = &r
	}
	c.Settings.Variables = slices.Clone(j.Settings.Variables)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress is the polling view of a job.
type Progress struct {
	ID                 string   `json:"id"`
	Status             Status   `json:"status"`
	Iteration          int      `json:"iteration"`
	MaxIterations      int      `json:"maxIterations"`
	ObjectiveValue     *float64 `json:"objectiveValue,omitempty"`
	ProgressPercentage float64  `json:"progressPercentage"`
	Error              string   `json:"error,omitempty"`
}

// ProgressView builds the polling view of the job.
func (j *Job) ProgressView() *Progress {
	p := &Progress{
		ID:                 j.ID,
		Status:             j.Status,
		Iteration:          j.Iteration,
		MaxIterations:      j.MaxIterations,
		ProgressPercentage: j.Progress,
		Error:              j.Error,
	}
	if j.BestObjective != nil {
		v := *j.BestObjective
		p.ObjectiveValue = &v
	}
	return p
}

// PercentComplete derives a progress percentage from an iteration count,
// clamped to [0, 100].
func PercentComplete(iteration, maxIterations int) float64 {
	if maxIterations <= 0 {
		return 0
	}
	pct := 100 * float64(iteration) / float64(maxIterations)
	return math.Max(0, math.Min(100, pct))
}

// Patch is a partial update of a job. Nil fields are left unchanged.
type Patch struct {
	Status        *Status
	Progress      *float64
	Iteration     *int
	BestObjective *float64
	BestDesign    map[string]float64
	AppendHistory []Sample
	Result        *Result
	Error         *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Rounds        *int
	Attempts      *int
}

// Apply mutates j according to the patch. It refuses any change to a
// terminal job, enforces the status state machine, never lowers progress and
// never replaces a result once set. On error j is left untouched.
func (p Patch) Apply(j *Job, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
	}
	if p.Status != nil && *p.Status != j.Status && !j.Status.CanTransition(*p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, *p.Status)
	}
	if p.Result != nil && j.Result != nil {
		return ErrResultSet
	}

	if p.Iteration != nil {
		j.Iteration = *p.Iteration
	}
	if p.Progress != nil {
		j.Progress = math.Max(j.Progress, math.Max(0, math.Min(100, *p.Progress)))
	}
	if p.BestObjective != nil {
		v := *p.BestObjective
		j.BestObjective = &v
	}
	if p.BestDesign != nil {
		j.BestDesign = maps.Clone(p.BestDesign)
	}
	if len(p.AppendHistory) > 0 {
		j.History = append(j.History, p.AppendHistory...)
	}
	if p.Result != nil {
		r := *p.Result
		j.Result = &r
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		j.StartedAt = &t
	}
	if p.Rounds != nil {
		j.Rounds = *p.Rounds
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		j.CompletedAt = &t
	}
	if p.Status != nil {
		j.Status = *p.Status
		if j.Status == StatusCompleted {
			j.Progress = 100
		}
		if j.Status.Terminal() && j.CompletedAt == nil {
			t := now
			j.CompletedAt = &t
		}
	}
	return nil
}

// StatusPtr returns a pointer to s, for building patches.
func StatusPtr(s Status) *Status { return &s }

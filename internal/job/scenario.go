package job

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Objective is the quantity the evaluator optimizes.
type Objective string

const (
	ObjectiveMinimizeFuel       Objective = "minimize_fuel"
	ObjectiveMinimizeCO2        Objective = "minimize_co2"
	ObjectiveMaximizeEfficiency Objective = "maximize_efficiency"
	ObjectiveMinimizeCost       Objective = "minimize_cost"
)

// Valid reports whether o is a known objective.
func (o Objective) Valid() bool {
	switch o {
	case ObjectiveMinimizeFuel, ObjectiveMinimizeCO2, ObjectiveMaximizeEfficiency, ObjectiveMinimizeCost:
		return true
	}
	return false
}

// Maximize reports whether larger objective values are better.
func (o Objective) Maximize() bool {
	return o == ObjectiveMaximizeEfficiency
}

// Better reports whether candidate improves on current for this objective.
func (o Objective) Better(candidate, current float64) bool {
	if o.Maximize() {
		return candidate > current
	}
	return candidate < current
}

// Algorithm identifies the constrained search method run by the evaluator.
type Algorithm string

const (
	AlgorithmSLSQP       Algorithm = "slsqp"
	AlgorithmCOBYLA      Algorithm = "cobyla"
	AlgorithmTrustConstr Algorithm = "trust_constr"
)

// DefaultAlgorithm is used when a scenario does not name one.
const DefaultAlgorithm = AlgorithmSLSQP

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSLSQP, AlgorithmCOBYLA, AlgorithmTrustConstr:
		return true
	}
	return false
}

// Defaults applied to unset termination criteria.
const (
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-6
)

// DesignVariable is a named, bounded continuous parameter the solver may adjust.
type DesignVariable struct {
	Name     string  `json:"name" yaml:"name"`
	Unit     string  `json:"unit,omitempty" yaml:"unit"`
	Baseline float64 `json:"baseline" yaml:"baseline"`
	Min      float64 `json:"min" yaml:"min"`
	Max      float64 `json:"max" yaml:"max"`
}

// Constraints are optional nonlinear limits passed to the evaluator.
type Constraints struct {
	MaxPressureDrop            *float64 `json:"maxPressureDrop,omitempty" yaml:"max_pressure_drop"`
	MinThermalEfficiency       *float64 `json:"minThermalEfficiency,omitempty" yaml:"min_thermal_efficiency"`
	MinHeatTransferCoefficient *float64 `json:"minHeatTransferCoefficient,omitempty" yaml:"min_heat_transfer_coefficient"`
}

// Termination holds the stopping criteria of a run.
type Termination struct {
	MaxIterations          int           `json:"maxIterations" yaml:"max_iterations"`
	MaxFunctionEvaluations int           `json:"maxFunctionEvaluations,omitempty" yaml:"max_function_evaluations"`
	Tolerance              float64       `json:"tolerance,omitempty" yaml:"tolerance"`
	MaxRuntime             time.Duration `json:"maxRuntime,omitempty" yaml:"max_runtime"`
}

// Scenario is a saved optimization request template.
type Scenario struct {
	ID              string           `json:"id" yaml:"id"`
	UserID          string           `json:"userId" yaml:"user_id"`
	Name            string           `json:"name,omitempty" yaml:"name"`
	ConfigurationID string           `json:"configurationId" yaml:"configuration_id"`
	Objective       Objective        `json:"objective" yaml:"objective"`
	Algorithm       Algorithm        `json:"algorithm,omitempty" yaml:"algorithm"`
	DesignVariables []DesignVariable `json:"designVariables" yaml:"design_variables"`
	Constraints     Constraints      `json:"constraints" yaml:"constraints"`
	Termination     Termination      `json:"termination" yaml:"termination"`
}

// Configuration is the base regenerator configuration a scenario optimizes.
type Configuration struct {
	ID       string             `json:"id" yaml:"id"`
	Geometry map[string]float64 `json:"geometry" yaml:"geometry"`
	Thermal  map[string]float64 `json:"thermal" yaml:"thermal"`
	Flow     map[string]float64 `json:"flow" yaml:"flow"`
}

// Bound overrides the search interval of one design variable.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Overrides adjust a scenario for a single job without changing the scenario.
type Overrides struct {
	Algorithm              *Algorithm         `json:"algorithm,omitempty"`
	MaxIterations          *int               `json:"maxIterations,omitempty"`
	MaxFunctionEvaluations *int               `json:"maxFunctionEvaluations,omitempty"`
	Tolerance              *float64           `json:"tolerance,omitempty"`
	MaxRuntimeSeconds      *int               `json:"maxRuntimeSeconds,omitempty"`
	InitialValues          map[string]float64 `json:"initialValues,omitempty"`
	Bounds                 map[string]Bound   `json:"bounds,omitempty"`
	Constraints            *Constraints       `json:"constraints,omitempty"`
}

// Variable is a design variable with its effective bounds and starting point.
type Variable struct {
	Name    string  `json:"name"`
	Unit    string  `json:"unit,omitempty"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Initial float64 `json:"initial"`
}

// Settings are the effective run parameters of a job: the scenario with
// overrides and defaults applied. A job keeps its own copy so later scenario
// edits do not affect a run in progress.
type Settings struct {
	ConfigurationID        string        `json:"configurationId"`
	Objective              Objective     `json:"objective"`
	Algorithm              Algorithm     `json:"algorithm"`
	Variables              []Variable    `json:"variables"`
	Constraints            Constraints   `json:"constraints"`
	MaxIterations          int           `json:"maxIterations"`
	MaxFunctionEvaluations int           `json:"maxFunctionEvaluations,omitempty"`
	Tolerance              float64       `json:"tolerance"`
	MaxRuntime             time.Duration `json:"maxRuntime"`
}

// Validate checks the scenario invariants. All problems are reported together.
func (s *Scenario) Validate() error {
	var result *multierror.Error

	if len(s.DesignVariables) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one design variable is required"))
	}
	seen := make(map[string]bool, len(s.DesignVariables))
	for i, dv := range s.DesignVariables {
		if dv.Name == "" {
			result = multierror.Append(result, fmt.Errorf("design variable %d has no name", i))
			continue
		}
		if seen[dv.Name] {
			result = multierror.Append(result, fmt.Errorf("design variable %q is defined more than once", dv.Name))
		}
		seen[dv.Name] = true
		if err := checkBounds(dv.Name, dv.Min, dv.Max); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.Objective != "" && !s.Objective.Valid() {
		result = multierror.Append(result, fmt.Errorf("unknown objective %q", s.Objective))
	}
	if s.Algorithm != "" && !s.Algorithm.Valid() {
		result = multierror.Append(result, fmt.Errorf("unknown algorithm %q", s.Algorithm))
	}
	if s.Termination.MaxIterations < 0 {
		result = multierror.Append(result, fmt.Errorf("max iterations must not be negative"))
	}
	if s.Termination.MaxFunctionEvaluations < 0 {
		result = multierror.Append(result, fmt.Errorf("max function evaluations must not be negative"))
	}
	if s.Termination.Tolerance < 0 {
		result = multierror.Append(result, fmt.Errorf("tolerance must not be negative"))
	}
	if s.Termination.MaxRuntime < 0 {
		result = multierror.Append(result, fmt.Errorf("max runtime must not be negative"))
	}

	return result.ErrorOrNil()
}

// Resolve applies overrides and defaults to the scenario and validates the
// outcome. defaultRuntime is used when neither the scenario nor the overrides
// set a maximum runtime.
func (s *Scenario) Resolve(o *Overrides, defaultRuntime time.Duration) (*Settings, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if o == nil {
		o = &Overrides{}
	}

	settings := &Settings{
		ConfigurationID:        s.ConfigurationID,
		Objective:              s.Objective,
		Algorithm:              s.Algorithm,
		Constraints:            s.Constraints,
		MaxIterations:          s.Termination.MaxIterations,
		MaxFunctionEvaluations: s.Termination.MaxFunctionEvaluations,
		Tolerance:              s.Termination.Tolerance,
		MaxRuntime:             s.Termination.MaxRuntime,
	}
	if settings.Objective == "" {
		settings.Objective = ObjectiveMinimizeFuel
	}
	if settings.Algorithm == "" {
		settings.Algorithm = DefaultAlgorithm
	}

	var result *multierror.Error

	if o.Algorithm != nil {
		if !o.Algorithm.Valid() {
			result = multierror.Append(result, fmt.Errorf("unknown algorithm %q", *o.Algorithm))
		}
		settings.Algorithm = *o.Algorithm
	}
	if o.MaxIterations != nil {
		if *o.MaxIterations <= 0 {
			result = multierror.Append(result, fmt.Errorf("max iterations override must be positive"))
		}
		settings.MaxIterations = *o.MaxIterations
	}
	if o.MaxFunctionEvaluations != nil {
		if *o.MaxFunctionEvaluations < 0 {
			result = multierror.Append(result, fmt.Errorf("max function evaluations override must not be negative"))
		}
		settings.MaxFunctionEvaluations = *o.MaxFunctionEvaluations
	}
	if o.Tolerance != nil {
		if *o.Tolerance <= 0 {
			result = multierror.Append(result, fmt.Errorf("tolerance override must be positive"))
		}
		settings.Tolerance = *o.Tolerance
	}
	if o.MaxRuntimeSeconds != nil {
		if *o.MaxRuntimeSeconds <= 0 {
			result = multierror.Append(result, fmt.Errorf("max runtime override must be positive"))
		}
		settings.MaxRuntime = time.Duration(*o.MaxRuntimeSeconds) * time.Second
	}
	if o.Constraints != nil {
		mergeConstraints(&settings.Constraints, o.Constraints)
	}

	if settings.MaxIterations == 0 {
		settings.MaxIterations = DefaultMaxIterations
	}
	if settings.Tolerance == 0 {
		settings.Tolerance = DefaultTolerance
	}
	if settings.MaxRuntime == 0 {
		settings.MaxRuntime = defaultRuntime
	}

	known := make(map[string]bool, len(s.DesignVariables))
	for _, dv := range s.DesignVariables {
		known[dv.Name] = true
		v := Variable{Name: dv.Name, Unit: dv.Unit, Min: dv.Min, Max: dv.Max}
		if b, ok := o.Bounds[dv.Name]; ok {
			if err := checkBounds(dv.Name, b.Min, b.Max); err != nil {
				result = multierror.Append(result, err)
			}
			v.Min, v.Max = b.Min, b.Max
		}
		v.Initial = clamp(dv.Baseline, v.Min, v.Max)
		if init, ok := o.InitialValues[dv.Name]; ok {
			if init < v.Min || init > v.Max {
				result = multierror.Append(result, fmt.Errorf("initial value %g for %q is outside [%g, %g]", init, dv.Name, v.Min, v.Max))
			}
			v.Initial = init
		}
		settings.Variables = append(settings.Variables, v)
	}
	for name := range o.Bounds {
		if !known[name] {
			result = multierror.Append(result, fmt.Errorf("bounds override for unknown design variable %q", name))
		}
	}
	for name := range o.InitialValues {
		if !known[name] {
			result = multierror.Append(result, fmt.Errorf("initial value for unknown design variable %q", name))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return settings, nil
}

func mergeConstraints(dst *Constraints, src *Constraints) {
	if src.MaxPressureDrop != nil {
		dst.MaxPressureDrop = src.MaxPressureDrop
	}
	if src.MinThermalEfficiency != nil {
		dst.MinThermalEfficiency = src.MinThermalEfficiency
	}
	if src.MinHeatTransferCoefficient != nil {
		dst.MinHeatTransferCoefficient = src.MinHeatTransferCoefficient
	}
}

func checkBounds(name string, lo, hi float64) error {
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return fmt.Errorf("design variable %q has non-finite bounds", name)
	}
	if lo >= hi {
		return fmt.Errorf("design variable %q requires min < max, got [%g, %g]", name, lo, hi)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

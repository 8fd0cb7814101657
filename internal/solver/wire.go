package solver

// Request is the body of POST /v1/optimize.
type Request struct {
	CorrelationID          string           `json:"correlation_id"`
	Round                  int              `json:"round"`
	Objective              string           `json:"objective"`
	Algorithm              string           `json:"algorithm"`
	Configuration          Configuration    `json:"configuration"`
	DesignVariables        []DesignVariable `json:"design_variables"`
	MaxIterations          int              `json:"max_iterations"`
	MaxFunctionEvaluations int              `json:"max_function_evaluations,omitempty"`
	Tolerance              float64          `json:"tolerance"`
	Constraints            Constraints      `json:"constraints"`
}

// Configuration is the base regenerator configuration being optimized.
type Configuration struct {
	Geometry map[string]float64 `json:"geometry"`
	Thermal  map[string]float64 `json:"thermal"`
	Flow     map[string]float64 `json:"flow"`
}

// DesignVariable is one bounded search dimension with its starting point.
type DesignVariable struct {
	Name         string  `json:"name"`
	Unit         string  `json:"unit,omitempty"`
	LowerBound   float64 `json:"lower_bound"`
	UpperBound   float64 `json:"upper_bound"`
	InitialValue float64 `json:"initial_value"`
}

// Constraints are optional limits; nil fields are omitted.
type Constraints struct {
	MaxPressureDrop            *float64 `json:"max_pressure_drop,omitempty"`
	MinThermalEfficiency       *float64 `json:"min_thermal_efficiency,omitempty"`
	MinHeatTransferCoefficient *float64 `json:"min_heat_transfer_coefficient,omitempty"`
}

// Response is the body returned by a successful optimize call.
type Response struct {
	Converged            bool               `json:"converged"`
	StatusCode           int                `json:"status_code"`
	Message              string             `json:"message"`
	Iterations           int                `json:"iterations"`
	FunctionEvaluations  int                `json:"function_evaluations"`
	GradientEvaluations  int                `json:"gradient_evaluations"`
	ObjectiveValue       float64            `json:"objective_value"`
	DesignVariables      map[string]float64 `json:"design_variables"`
	Performance          Performance        `json:"performance"`
	Feasible             bool               `json:"feasible"`
	ConstraintViolations map[string]float64 `json:"constraint_violations,omitempty"`
	History              []HistoryPoint     `json:"history,omitempty"`

	// Attempts is the number of HTTP calls it took to obtain this response.
	Attempts int `json:"-"`
}

// Performance holds the regenerator metrics at the returned design.
type Performance struct {
	ThermalEfficiency       float64 `json:"thermal_efficiency"`
	HeatTransferRate        float64 `json:"heat_transfer_rate"`
	PressureDrop            float64 `json:"pressure_drop"`
	NTU                     float64 `json:"ntu"`
	Effectiveness           float64 `json:"effectiveness"`
	HeatTransferCoefficient float64 `json:"heat_transfer_coefficient"`
	SurfaceArea             float64 `json:"surface_area"`
	WallHeatLoss            float64 `json:"wall_heat_loss"`
	ReynoldsNumber          float64 `json:"reynolds_number"`
	NusseltNumber           float64 `json:"nusselt_number"`
}

// HistoryPoint is one per-iteration sample reported by the evaluator.
type HistoryPoint struct {
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`
	Feasible  bool    `json:"feasible"`
}

// ErrorBody is the JSON body of a non-2xx evaluator response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status           string `json:"status"`
	BackendAvailable bool   `json:"backend_available"`
	Backend          string `json:"backend,omitempty"`
}

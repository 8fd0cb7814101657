// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Check is a named dependency test. A failing critical check makes the
// service unhealthy; a failing optional check only degrades it.
type Check struct {
	Name     string
	Run      CheckFunc
	Critical bool
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker runs dependency checks, caching readiness for a short time so
// probes and job admission do not hammer the evaluator.
type Checker struct {
	checks  []Check
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker over checks.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
		ttl:     time.Second,
		now:     time.Now,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && c.now().Sub(c.lastCheck) < c.ttl {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := c.run(ctx)

	c.mu.Lock()
	if !c.shuttingDown {
		c.cachedReady = response
		c.lastCheck = c.now()
	}
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context) *Response {
	checks := make(map[string]CheckResult, len(c.checks))
	overall := StatusHealthy
	if len(c.checks) == 0 {
		overall = StatusUnhealthy
		checks["dependencies"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}

	type result struct {
		check Check
		err   error
	}
	results := make(chan result, len(c.checks))
	for _, check := range c.checks {
		go func(check Check) {
			ctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			results <- result{check: check, err: check.Run(ctx)}
		}(check)
	}

	for range c.checks {
		r := <-results
		if r.err == nil {
			checks[r.check.Name] = CheckResult{Status: StatusHealthy}
			continue
		}
		status := StatusDegraded
		if r.check.Critical {
			status = StatusUnhealthy
		}
		checks[r.check.Name] = CheckResult{Status: status, Message: r.err.Error()}
		if status == StatusUnhealthy || overall == StatusHealthy {
			overall = status
		}
	}

	return &Response{Status: overall, Checks: checks}
}

// Dependency returns the outcome of the named check from the latest
// readiness result, refreshing it when stale.
func (c *Checker) Dependency(ctx context.Context, name string) error {
	r := c.Readiness(ctx)
	result, ok := r.Checks[name]
	if !ok {
		if r.Status != StatusHealthy {
			return fmt.Errorf("service not ready: %s", r.Status)
		}
		return fmt.Errorf("unknown dependency %q", name)
	}
	if result.Status != StatusHealthy {
		return fmt.Errorf("%s: %s", name, result.Message)
	}
	return nil
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether the instance should receive traffic. A degraded
// service still serves.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

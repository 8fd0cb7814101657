// Package solver is the gateway to the remote optimization evaluator.
//
// The evaluator exposes POST /v1/optimize and GET /health with JSON bodies.
// Every call is rate limited, guarded by a circuit breaker and retried
// according to the class of its failure.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"regenopt/pkg/backoff"
	"regenopt/pkg/circuitbreaker"
)

const maxBodySize = 8 << 20

// Config holds configuration for the evaluator client.
type Config struct {
	BaseURL            string
	RequestTimeout     time.Duration // per attempt (default: 60s)
	MaxRetries         int           // retries for unavailable and transient failures
	ServerErrorRetries int           // retries for other server failures
	RetryInitial       time.Duration // first backoff delay (default: 1s)
	RetryMax           time.Duration // backoff cap (default: 8s)
	RateLimit          float64       // requests per second across all jobs, 0 = unlimited
	RateBurst          int           // default: 1
	BreakerThreshold   int
	BreakerCooldown    time.Duration // an open breaker is waited out, not retried

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
	// Sleep overrides the wait between retries, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now overrides the breaker clock, for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ServerErrorRetries < 0 {
		c.ServerErrorRetries = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Sleep == nil {
		c.Sleep = backoff.Sleep
	}
	return c
}

// MetricsRecorder is an optional interface for recording evaluator call metrics.
type MetricsRecorder interface {
	RecordSolverRequest(ctx context.Context, outcome string, durationSeconds float64)
	RecordSolverRetry(ctx context.Context, class string)
}

// RetriesExhaustedError is returned when a retryable failure persists past
// the retry budget of its class.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("solver retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Client calls the evaluator over HTTP. It is safe for concurrent use and
// keeps no state between calls apart from the rate limiter and breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates an evaluator client.
func New(cfg Config, metrics MetricsRecorder) *Client {
	cfg = cfg.withDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	logger := slog.With("component", "solver")
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:      "evaluator",
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			Now:       cfg.Now,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics,
		logger:  logger,
	}
}

// BreakerState reports the evaluator circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Optimize runs one optimization round on the evaluator, retrying failures
// according to their class. ctx stops retries and rate-limit waits; an
// attempt already sent is not abandoned and runs to its own timeout.
//
// The returned error is a *Error for validation failures, a
// *RetriesExhaustedError for other evaluator failures, or ctx.Err().
func (c *Client) Optimize(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *Response
	policy := backoff.Policy{
		Budget:  c.budget,
		Backoff: backoff.Config{Initial: c.cfg.RetryInitial, Max: c.cfg.RetryMax},
		Sleep:   c.cfg.Sleep,
		OnRetry: func(retry int, delay time.Duration, err error) {
			class := ClassOf(err)
			if c.metrics != nil {
				c.metrics.RecordSolverRetry(ctx, string(class))
			}
			c.logger.Warn("Retrying evaluator call",
				"correlationId", req.CorrelationID,
				"round", req.Round,
				"retry", retry,
				"delay", delay,
				"class", class,
				"error", err,
			)
		},
	}

	out, err := policy.Do(ctx, func(attempt int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.waitForBreaker(ctx, req); err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := c.attempt(ctx, req.CorrelationID, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err == nil {
		resp.Attempts = out.Attempts
		return resp, nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, err
	}
	if IsValidation(err) {
		return nil, err
	}
	return nil, &RetriesExhaustedError{Attempts: out.Attempts, Last: err}
}

// waitForBreaker sleeps out the rest of an open breaker's cooldown so the
// attempt that follows can be the probe instead of a rejected retry.
func (c *Client) waitForBreaker(ctx context.Context, req *Request) error {
	wait := c.breaker.RetryAfter()
	if wait <= 0 {
		return nil
	}
	c.logger.Info("Waiting for evaluator circuit breaker",
		"correlationId", req.CorrelationID,
		"round", req.Round,
		"wait", wait,
	)
	return c.cfg.Sleep(ctx, wait)
}

func (c *Client) budget(err error) int {
	switch ClassOf(err) {
	case ClassUnavailable, ClassTransient:
		return c.cfg.MaxRetries
	case ClassServer:
		return c.cfg.ServerErrorRetries
	default:
		return 0
	}
}

// attempt performs a single POST through the circuit breaker.
func (c *Client) attempt(ctx context.Context, correlationID string, body []byte) (*Response, error) {
	start := time.Now()
	var resp *Response

	err := c.breaker.Execute(func() error {
		r, err := c.post(ctx, correlationID, body)
		resp = r
		return err
	}, func(err error) bool {
		return ClassOf(err) != ClassValidation
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &Error{Class: ClassUnavailable, Message: "circuit breaker open", Cause: err}
	}

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(ClassOf(err))
		}
		c.metrics.RecordSolverRequest(ctx, outcome, time.Since(start).Seconds())
	}
	return resp, err
}

func (c *Client) post(ctx context.Context, correlationID string, body []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/optimize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.Unmarshal(data, &eb)
		return nil, statusError(httpResp.StatusCode, eb)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &Error{Class: ClassServer, StatusCode: httpResp.StatusCode, Message: "malformed response body", Cause: err}
	}
	return &resp, nil
}

// Health checks that the evaluator and its numerical backend are up.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, min(c.cfg.RequestTimeout, 5*time.Second))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Class: ClassUnavailable, StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	var hs HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&hs); err != nil {
		return &Error{Class: ClassServer, StatusCode: resp.StatusCode, Message: "malformed health body", Cause: err}
	}
	if !hs.BackendAvailable {
		return &Error{Class: ClassUnavailable, Message: fmt.Sprintf("backend %q not available", hs.Backend)}
	}
	return nil
}

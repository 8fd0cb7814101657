// Package notify delivers job life-cycle callbacks as signed CloudEvents.
//
// Delivery is asynchronous: events are handed to a worker pool, retried with
// exponential backoff and guarded by a circuit breaker on the receiver. A
// failed or dropped callback never affects the job it describes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"regenopt/internal/job"
	"regenopt/internal/worker"
	"regenopt/pkg/backoff"
	"regenopt/pkg/circuitbreaker"
	"regenopt/pkg/cloudevent"
)

// Event types for job life-cycle callbacks.
const (
	EventTypeStarted  = "regenopt.job.started"
	EventTypeFinished = "regenopt.job.finished"
)

// Submitter queues delivery tasks.
type Submitter interface {
	Submit(task worker.Task) error
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordNotificationFailed(ctx context.Context, eventType string)
	RecordNotificationDropped(ctx context.Context, eventType string)
}

// Config holds callback settings.
type Config struct {
	URL              string
	SigningKey       string        // empty = unsigned
	Source           string        // CloudEvents source (default: "regenopt")
	Timeout          time.Duration // per request (default: 10s)
	MaxRetries       int           // default: 3
	Backoff          backoff.Config
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
	// Sleep overrides the wait between retries, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "regenopt"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 100 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Second
	}
	return c
}

// Stats holds delivery statistics.
type Stats struct {
	Queued    int64
	Delivered int64
	Failed    int64
	Dropped   int64
	Retries   int64
}

// Notifier sends job events to one callback URL.
type Notifier struct {
	cfg     Config
	pool    Submitter
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	metrics MetricsRecorder
	logger  *slog.Logger

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// New creates a notifier delivering through pool.
func New(cfg Config, pool Submitter, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "notify")

	sender := cloudevent.NewSender(cfg.Timeout)
	if cfg.HTTPClient != nil {
		sender = cloudevent.NewSenderWithClient(cfg.HTTPClient)
	}

	return &Notifier{
		cfg:    cfg,
		pool:   pool,
		sender: sender,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:      extractHost(cfg.URL),
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("Callback circuit breaker state changed", "destination", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics,
		logger:  logger,
	}
}

// JobStarted queues a started event.
func (n *Notifier) JobStarted(j *job.Job) {
	n.dispatch(n.build(EventTypeStarted, j, map[string]any{
		"maxIterations": j.MaxIterations,
		"startedAt":     j.StartedAt,
	}))
}

// JobFinished queues a finished event.
func (n *Notifier) JobFinished(j *job.Job) {
	data := map[string]any{
		"status":    j.Status,
		"iteration": j.Iteration,
		"progress":  j.Progress,
	}
	if j.BestObjective != nil {
		data["bestObjective"] = *j.BestObjective
	}
	if j.Error != "" {
		data["error"] = j.Error
	}
	if j.Result != nil {
		data["result"] = j.Result
	}
	if j.StartedAt != nil && j.CompletedAt != nil {
		data["durationSeconds"] = j.CompletedAt.Sub(*j.StartedAt).Seconds()
	}
	n.dispatch(n.build(EventTypeFinished, j, data))
}

// Stats returns delivery statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		Queued:    n.queued.Load(),
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
		Retries:   n.retries.Load(),
	}
}

// Ready reports an open breaker on the callback receiver.
func (n *Notifier) Ready(context.Context) error {
	if state := n.breaker.State(); state == circuitbreaker.Open {
		return fmt.Errorf("callback receiver %s: circuit %s", extractHost(n.cfg.URL), state)
	}
	return nil
}

func (n *Notifier) build(eventType string, j *job.Job, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = j.ID
	data["scenarioId"] = j.ScenarioID
	data["userId"] = j.UserID
	data["correlationId"] = j.CorrelationID
	return cloudevent.New(eventType, n.cfg.Source, j.ID, uuid.NewString(), time.Now(), data)
}

func (n *Notifier) dispatch(event *cloudevent.CloudEvent) {
	err := n.pool.Submit(func(ctx context.Context) { n.deliver(ctx, event) })
	if err != nil {
		n.drop(event, err)
		return
	}
	n.queued.Add(1)
}

func (n *Notifier) drop(event *cloudevent.CloudEvent, reason error) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotificationDropped(context.Background(), event.Type)
	}
	n.logger.Warn("Callback dropped", "type", event.Type, "jobId", event.Subject, "reason", reason)
}

// deliver sends the event with retries. Client errors are final.
func (n *Notifier) deliver(ctx context.Context, event *cloudevent.CloudEvent) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	err := n.breaker.Execute(func() error {
		return n.sendWithRetry(ctx, event)
	}, func(err error) bool {
		return !cloudevent.IsClientError(err)
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		n.drop(event, err)
	case err != nil:
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotificationFailed(ctx, event.Type)
		}
		n.logger.Warn("Callback delivery failed", "destination", extractHost(n.cfg.URL), "type", event.Type, "jobId", event.Subject, "error", err)
	default:
		n.delivered.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotificationDelivered(ctx, event.Type, time.Since(start).Seconds())
		}
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	policy := backoff.Policy{
		Budget: func(err error) int {
			if cloudevent.IsClientError(err) || ctx.Err() != nil {
				return 0
			}
			return n.cfg.MaxRetries
		},
		Backoff: n.cfg.Backoff,
		Sleep:   n.cfg.Sleep,
		OnRetry: func(int, time.Duration, error) { n.retries.Add(1) },
	}
	_, err := policy.Do(ctx, func(int) error {
		return n.sender.Send(ctx, n.cfg.URL, event, n.cfg.SigningKey)
	})
	return err
}

// extractHost returns the host of a URL for logging and breaker naming.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

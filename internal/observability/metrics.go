package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/evaluator calls take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Active jobs and worker queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors)
	JobDuration          metric.Float64Histogram
	JobsStarted          metric.Int64Counter
	JobsFinished         metric.Int64Counter
	JobErrorsTotal       metric.Int64Counter
	AdmissionDeniedTotal metric.Int64Counter

	// Evaluator metrics (Latency, Errors)
	SolverRequestDuration metric.Float64Histogram
	SolverRequestsTotal   metric.Int64Counter
	SolverRetriesTotal    metric.Int64Counter

	// Notification metrics
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter

	// Saturation
	WorkerQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("regenopt"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Optimization job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.JobsStarted, err = meter.Int64Counter(
		"jobs_started_total",
		metric.WithDescription("Total number of admitted jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed or timed out jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionDeniedTotal, err = meter.Int64Counter(
		"admission_denied_total",
		metric.WithDescription("Total number of rejected job submissions"),
	)
	if err != nil {
		return nil, err
	}

	// Evaluator metrics
	m.SolverRequestDuration, err = meter.Float64Histogram(
		"solver_request_duration_seconds",
		metric.WithDescription("Evaluator call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.SolverRequestsTotal, err = meter.Int64Counter(
		"solver_requests_total",
		metric.WithDescription("Total number of evaluator calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SolverRetriesTotal, err = meter.Int64Counter(
		"solver_retries_total",
		metric.WithDescription("Total number of evaluator retries by failure class"),
	)
	if err != nil {
		return nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationDelivered, err = meter.Int64Counter(
		"notifications_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationFailed, err = meter.Int64Counter(
		"notifications_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationDropped, err = meter.Int64Counter(
		"notifications_dropped_total",
		metric.WithDescription("Total callbacks dropped (queue full or open circuit)"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerQueueSize, err = meter.Int64Gauge(
		"worker_queue_size",
		metric.WithDescription("Current number of tasks waiting in a worker pool (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveActiveJobs registers an asynchronous gauge reporting the number of
// jobs running on this instance.
func (m *Metrics) ObserveActiveJobs(active func() int) error {
	_, err := m.meter.Int64ObservableGauge(
		"jobs_active",
		metric.WithDescription("Number of jobs currently running on this instance (saturation)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(active()))
			return nil
		}),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records an admitted job.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsStarted.Add(ctx, 1)
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobStatusAttr(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)

	if status == "failed" || status == "timeout" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAdmissionDenied records a rejected submission.
func (m *Metrics) RecordAdmissionDenied(ctx context.Context, reason string) {
	m.AdmissionDeniedTotal.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordSolverRequest records one evaluator call.
func (m *Metrics) RecordSolverRequest(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.SolverRequestsTotal.Add(ctx, 1, attrs)
	m.SolverRequestDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSolverRetry records a retry of an evaluator call.
func (m *Metrics) RecordSolverRetry(ctx context.Context, class string) {
	m.SolverRetriesTotal.Add(ctx, 1, metric.WithAttributes(classAttr(class)))
}

// RecordNotificationDelivered records a successful callback with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.NotificationDelivered.Add(ctx, 1, attrs)
	m.NotificationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordNotificationFailed records a failed callback.
func (m *Metrics) RecordNotificationFailed(ctx context.Context, eventType string) {
	m.NotificationFailed.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordNotificationDropped records a dropped callback.
func (m *Metrics) RecordNotificationDropped(ctx context.Context, eventType string) {
	m.NotificationDropped.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordWorkerQueueSize records the queue depth of a worker pool.
func (m *Metrics) RecordWorkerQueueSize(ctx context.Context, pool string, size int64) {
	m.WorkerQueueSize.Record(ctx, size, metric.WithAttributes(poolAttr(pool)))
}

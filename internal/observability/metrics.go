// Package observability wires application metrics to a Prometheus
// exporter through the OpenTelemetry metrics SDK.
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
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (active jobs, queue depths)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Scheduler metrics
	PlacementAttempts metric.Int64Counter
	QueueDepth        metric.Int64Gauge

	// Monitor metrics
	TimeoutFailures metric.Int64Counter

	// Agent protocol metrics
	TokenRejections metric.Int64Counter

	// Reaper metrics
	TerminationDuration metric.Float64Histogram
	TerminationsTotal   metric.Int64Counter
	TerminationsFailed  metric.Int64Counter
	TerminationsDropped metric.Int64Counter
	TerminationsRequeue metric.Int64Counter
	TerminationQueue    metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("mimiry")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job runtime from start to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs finalized as failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet in a terminal state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PlacementAttempts, err = meter.Int64Counter(
		"placement_attempts_total",
		metric.WithDescription("Deploy attempts by the capacity scheduler, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"capacity_queue_depth",
		metric.WithDescription("Jobs waiting for capacity (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TimeoutFailures, err = meter.Int64Counter(
		"timeout_failures_total",
		metric.WithDescription("Jobs failed by the timeout monitor, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TokenRejections, err = meter.Int64Counter(
		"callback_token_rejections_total",
		metric.WithDescription("Agent callbacks rejected due to token validation failure"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationDuration, err = meter.Float64Histogram(
		"termination_duration_seconds",
		metric.WithDescription("Instance termination latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationsTotal, err = meter.Int64Counter(
		"terminations_total",
		metric.WithDescription("Instances successfully terminated"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationsFailed, err = meter.Int64Counter(
		"terminations_failed_total",
		metric.WithDescription("Terminations failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationsDropped, err = meter.Int64Counter(
		"terminations_dropped_total",
		metric.WithDescription("Termination tasks dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationsRequeue, err = meter.Int64Counter(
		"terminations_requeued_total",
		metric.WithDescription("Termination tasks requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminationQueue, err = meter.Int64Gauge(
		"termination_queue_size",
		metric.WithDescription("Current number of pending termination tasks (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
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

// RecordJobSubmitted records a new job entering the queue.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, providerSlug string) {
	attrs := metric.WithAttributes(providerAttr(providerSlug))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinalized records a job reaching a terminal state.
func (m *Metrics) RecordJobFinalized(ctx context.Context, providerSlug, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(providerSlug), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(providerAttr(providerSlug)))

	if outcome == "failed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPlacementAttempt records a scheduler deploy attempt outcome.
func (m *Metrics) RecordPlacementAttempt(ctx context.Context, providerSlug, outcome string) {
	m.PlacementAttempts.Add(ctx, 1, metric.WithAttributes(providerAttr(providerSlug), outcomeAttr(outcome)))
}

// RecordQueueDepth records the capacity queue saturation.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordTimeoutFailure records a monitor-initiated failure.
func (m *Metrics) RecordTimeoutFailure(ctx context.Context, reason string) {
	m.TimeoutFailures.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordTokenRejected records a rejected agent callback.
func (m *Metrics) RecordTokenRejected(ctx context.Context) {
	m.TokenRejections.Add(ctx, 1)
}

// RecordTerminationDelivered records a successful termination with its duration.
func (m *Metrics) RecordTerminationDelivered(ctx context.Context, durationSeconds float64) {
	m.TerminationsTotal.Add(ctx, 1)
	m.TerminationDuration.Record(ctx, durationSeconds)
}

// RecordTerminationFailed records a termination that failed after retries.
func (m *Metrics) RecordTerminationFailed(ctx context.Context) {
	m.TerminationsFailed.Add(ctx, 1)
}

// RecordTerminationDropped records a dropped termination task.
func (m *Metrics) RecordTerminationDropped(ctx context.Context) {
	m.TerminationsDropped.Add(ctx, 1)
}

// RecordTerminationRequeued records a requeued termination task.
func (m *Metrics) RecordTerminationRequeued(ctx context.Context) {
	m.TerminationsRequeue.Add(ctx, 1)
}

// RecordTerminationQueueSize records the current reaper queue size.
func (m *Metrics) RecordTerminationQueueSize(ctx context.Context, size int64) {
	m.TerminationQueue.Record(ctx, size)
}

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumenlabs/renderq/ext"
	"github.com/lumenlabs/renderq/job"
)

// meterName is the instrumentation scope name for renderq lifecycle metrics.
const meterName = "github.com/lumenlabs/renderq/observability"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it as an engine extension to track enqueue rates, completion
// counts, failure rates, retries, and cancellations, plus an end-to-end
// render duration histogram.
//
// Instruments share the attributes job_type and priority; failed adds
// no error detail beyond the count (error text stays in logs).
type MetricsExtension struct {
	enqueued  metric.Int64Counter
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If no provider is configured, noop instruments are used
// and the extension becomes a pass-through.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error, the OTel API returns noop instruments so the extension
	// degrades gracefully.
	m.enqueued, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.enqueued",
		metric.WithDescription("Total number of render jobs enqueued"),
		metric.WithUnit("{job}"),
	)
	m.started, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.started",
		metric.WithDescription("Total number of render job execution starts"),
		metric.WithUnit("{job}"),
	)
	m.completed, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.completed",
		metric.WithDescription("Total number of render jobs completed successfully"),
		metric.WithUnit("{job}"),
	)
	m.failed, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.failed",
		metric.WithDescription("Total number of render jobs failed terminally"),
		metric.WithUnit("{job}"),
	)
	m.retried, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.retried",
		metric.WithDescription("Total number of render job retry schedules"),
		metric.WithUnit("{retry}"),
	)
	m.cancelled, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.cancelled",
		metric.WithDescription("Total number of render jobs cancelled"),
		metric.WithUnit("{job}"),
	)
	m.duration, _ = meter.Float64Histogram( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"renderq.jobs.duration",
		metric.WithDescription("End-to-end render duration in seconds"),
		metric.WithUnit("s"),
	)

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	attrs := jobAttrs(j)
	m.completed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, jobAttrs(j))
	return nil
}

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job_type", j.Type),
		attribute.String("priority", j.Priority.String()),
	)
}

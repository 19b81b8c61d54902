package observability_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/lumenlabs/renderq/ext"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/observability"
)

func setupExtension() (*sdkmetric.ManualReader, *observability.MetricsExtension) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
}

func newTestJob() *job.Job {
	return job.New("render", nil, job.WithPriority(job.PriorityHigh))
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != name {
				continue
			}
			sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64] data type", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	_, e := setupExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_CountsLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		emit   func(e *observability.MetricsExtension, j *job.Job) error
	}{
		{
			name:   "enqueued",
			metric: "renderq.jobs.enqueued",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobEnqueued(context.Background(), j)
			},
		},
		{
			name:   "started",
			metric: "renderq.jobs.started",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobStarted(context.Background(), j)
			},
		},
		{
			name:   "completed",
			metric: "renderq.jobs.completed",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobCompleted(context.Background(), j, 100*time.Millisecond)
			},
		},
		{
			name:   "failed",
			metric: "renderq.jobs.failed",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobFailed(context.Background(), j, errors.New("boom"))
			},
		},
		{
			name:   "retried",
			metric: "renderq.jobs.retried",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobRetrying(context.Background(), j, 1, time.Now().Add(time.Minute))
			},
		},
		{
			name:   "cancelled",
			metric: "renderq.jobs.cancelled",
			emit: func(e *observability.MetricsExtension, j *job.Job) error {
				return e.OnJobCancelled(context.Background(), j)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reader, e := setupExtension()
			if err := tc.emit(e, newTestJob()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := counterValue(t, reader, tc.metric); got != 1 {
				t.Errorf("%s: want 1, got %d", tc.metric, got)
			}
		})
	}
}

func TestMetricsExtension_RecordsDuration(t *testing.T) {
	reader, e := setupExtension()

	if err := e.OnJobCompleted(context.Background(), newTestJob(), 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != "renderq.jobs.duration" {
				continue
			}
			hist, ok := sm.Metrics[i].Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatal("expected Histogram[float64] data type")
			}
			if len(hist.DataPoints) == 0 {
				t.Fatal("no data points recorded for duration")
			}
			if hist.DataPoints[0].Count != 1 {
				t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
			}
			if hist.DataPoints[0].Sum < 1.9 || hist.DataPoints[0].Sum > 2.1 {
				t.Errorf("expected sum near 2s, got %v", hist.DataPoints[0].Sum)
			}
			return
		}
	}
	t.Fatal("renderq.jobs.duration metric not found")
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	reader, e := setupExtension()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := ext.NewRegistry(logger)
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()

	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobCompleted(ctx, j, 50*time.Millisecond)
	reg.EmitJobFailed(ctx, j, errors.New("fail"))
	reg.EmitJobRetrying(ctx, j, 1, time.Now())
	reg.EmitJobCancelled(ctx, j)

	metrics := []string{
		"renderq.jobs.enqueued",
		"renderq.jobs.started",
		"renderq.jobs.completed",
		"renderq.jobs.failed",
		"renderq.jobs.retried",
		"renderq.jobs.cancelled",
	}
	for _, name := range metrics {
		if got := counterValue(t, reader, name); got != 1 {
			t.Errorf("%s: want 1, got %d", name, got)
		}
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	// Constructing without a global provider must not panic.
	e := observability.NewMetricsExtension()
	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

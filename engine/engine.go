package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/backoff"
	"github.com/lumenlabs/renderq/ext"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/job"
	mw "github.com/lumenlabs/renderq/middleware"
	"github.com/lumenlabs/renderq/observability"
	"github.com/lumenlabs/renderq/pipeline"
	"github.com/lumenlabs/renderq/scheduler"
	"github.com/lumenlabs/renderq/store"
	"github.com/lumenlabs/renderq/stream"
	"github.com/lumenlabs/renderq/webhook"
)

// Engine is the orchestration facade: submit jobs, query status, cancel,
// subscribe to progress, manage webhook registrations.
type Engine struct {
	cfg    renderq.Config
	store  store.Store
	logger *slog.Logger

	registry   *pipeline.Registry
	extensions *ext.Registry
	broker     *stream.Broker
	webhooks   *webhook.Service
	runner     *pipeline.Runner
	scheduler  *scheduler.Scheduler
	bo         backoff.Strategy

	// Deferred configuration collected by options, applied in New.
	userExts    []ext.Extension
	userMws     []mw.Middleware
	webhookOpts []webhook.Option

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the whole engine configuration.
func WithConfig(cfg renderq.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the engine logger, shared with every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConcurrency sets the maximum number of concurrently processed jobs.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.cfg.Concurrency = n
	}
}

// WithPollInterval sets how often idle dispatchers poll for claimable jobs.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.PollInterval = d
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight jobs to
// drain before cancelling them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.ShutdownTimeout = d
	}
}

// WithBackoff sets the retry backoff strategy for both job retries and
// webhook redelivery. If not set, backoff.DefaultStrategy() (capped
// exponential) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) {
		e.bo = b
	}
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) {
		e.userExts = append(e.userExts, x)
	}
}

// WithMiddleware appends middleware to the per-execution chain, after
// the default recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) {
		e.userMws = append(e.userMws, m)
	}
}

// WithDeliveryWorkers bounds concurrent webhook dispatches.
func WithDeliveryWorkers(n int) Option {
	return func(e *Engine) {
		e.webhookOpts = append(e.webhookOpts, webhook.WithConcurrency(n))
	}
}

// WithWebhookOptions passes options through to the webhook delivery
// service.
func WithWebhookOptions(opts ...webhook.Option) Option {
	return func(e *Engine) {
		e.webhookOpts = append(e.webhookOpts, opts...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// metrics middleware and the observability extension use this provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// New creates an engine on the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, renderq.ErrNoStore
	}

	e := &Engine{
		cfg:      renderq.DefaultConfig(),
		store:    st,
		logger:   slog.Default(),
		registry: pipeline.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	e.extensions = ext.NewRegistry(e.logger)

	// The broker fans job lifecycle events out to live subscribers; the
	// webhook service turns them into signed deliveries. Both ride the
	// same hook registry as any user extension.
	e.broker = stream.NewBroker(e.logger)
	e.extensions.Register(e.broker)

	whOpts := append([]webhook.Option{webhook.WithBackoff(e.bo)}, e.webhookOpts...)
	e.webhooks = webhook.NewService(st, e.logger, whOpts...)
	e.extensions.Register(e.webhooks)

	// Observability extension (custom provider or global).
	if e.meterProvider != nil {
		meter := e.meterProvider.Meter("github.com/lumenlabs/renderq/observability")
		e.extensions.Register(observability.NewMetricsExtensionWithMeter(meter))
	} else {
		e.extensions.Register(observability.NewMetricsExtension())
	}

	for _, x := range e.userExts {
		e.extensions.Register(x)
	}

	// Per-execution middleware: recover → tracing → metrics → logging,
	// then anything the caller added.
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/lumenlabs/renderq"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/lumenlabs/renderq"))
	} else {
		metricsMw = mw.Metrics()
	}
	mws := append([]mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
	}, e.userMws...)

	e.runner = pipeline.NewRunner(e.registry, e.logger,
		pipeline.WithMiddleware(mws...),
		pipeline.WithDefaultTimeout(e.cfg.DefaultJobTimeout),
	)

	executor := scheduler.NewExecutor(e.runner, e.extensions, st, e.bo, e.logger)
	e.scheduler = scheduler.New(st, executor, e.logger,
		scheduler.WithConcurrency(e.cfg.Concurrency),
		scheduler.WithPollInterval(e.cfg.PollInterval),
	)

	return e, nil
}

// Register adds a pipeline for its job type, replacing any previous one.
func (e *Engine) Register(p *pipeline.Pipeline) {
	e.registry.Register(p)
}

// Migrate prepares the store backend.
func (e *Engine) Migrate(ctx context.Context) error {
	return e.store.Migrate(ctx)
}

// Start begins claiming and processing jobs, and starts the webhook
// delivery worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return renderq.ErrClosed
	}
	if e.running {
		return nil
	}

	if err := e.webhooks.Start(ctx); err != nil {
		return fmt.Errorf("start webhook delivery: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	e.running = true
	e.logger.Info("engine started",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.String("poll_interval", e.cfg.PollInterval.String()),
	)
	return nil
}

// Stop drains in-flight jobs within the shutdown timeout, then shuts
// down the broker and webhook service. The store stays open; it belongs
// to the caller.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.running = false
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	err := e.scheduler.Close(ctx)
	e.extensions.EmitShutdown(ctx)
	return err
}

// Pause stops claiming new jobs. In-flight jobs keep running.
func (e *Engine) Pause() { e.scheduler.Pause() }

// Resume restarts claiming after a Pause.
func (e *Engine) Resume() { e.scheduler.Resume() }

// Submit validates the payload against the registered pipeline, persists
// a pending job, and nudges the scheduler. The engine's default attempt
// budget and timeout apply unless the options override them.
func (e *Engine) Submit(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, renderq.ErrClosed
	}
	e.mu.Unlock()

	if err := e.registry.Validate(jobType, payload); err != nil {
		return nil, err
	}

	opts = append([]job.Option{
		job.WithMaxAttempts(e.cfg.DefaultMaxAttempts),
		job.WithTimeout(e.cfg.DefaultJobTimeout),
	}, opts...)

	j := job.New(jobType, payload, opts...)
	if err := e.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	e.extensions.EmitJobEnqueued(ctx, j)
	e.scheduler.Wake()

	e.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", jobType),
		slog.String("priority", j.Priority.String()),
	)
	return j, nil
}

// Submit marshals a typed payload and submits it through the engine.
func Submit[T any](ctx context.Context, e *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job type %q: %w", jobType, err)
	}
	return e.Submit(ctx, jobType, data, opts...)
}

// Status retrieves the current persisted state of a job.
func (e *Engine) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// Cancel cancels a pending, retrying, or processing job. A processing
// job stops at its next stage boundary; the terminal status is recorded
// immediately and never overwritten by the late pipeline outcome.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	if err := e.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	e.extensions.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled", slog.String("job_id", jobID.String()))
	return nil
}

// Jobs lists jobs by status, newest first.
func (e *Engine) Jobs(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	return e.store.ListJobsByStatus(ctx, status, opts)
}

// CountJobs counts jobs matching the options.
func (e *Engine) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	return e.store.CountJobs(ctx, opts)
}

// Subscribe attaches a subscriber to one job's progress topic. The
// caller owns the returned subscriber and must release it with
// Unsubscribe when done.
func (e *Engine) Subscribe(subscriberID string, jobID id.JobID) *stream.Subscriber {
	return e.broker.SubscribeJob(subscriberID, jobID.String())
}

// Unsubscribe detaches a subscriber from every topic and closes it.
func (e *Engine) Unsubscribe(subscriberID string) {
	e.broker.RemoveSubscriber(subscriberID)
}

// Broker returns the progress broker, for wiring a ws.Server.
func (e *Engine) Broker() *stream.Broker { return e.broker }

// Webhooks returns the webhook service, for registration management and
// redelivery.
func (e *Engine) Webhooks() *webhook.Service { return e.webhooks }

// Extensions returns the lifecycle hook registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Registry returns the pipeline registry.
func (e *Engine) Registry() *pipeline.Registry { return e.registry }

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

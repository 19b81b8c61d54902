// Package engine wires all renderq subsystems together and provides the
// primary application-level API for registering pipelines and submitting
// render jobs.
//
// The engine package exists to break a fundamental import cycle: the root
// renderq package defines Entity and the sentinel errors (imported by job,
// webhook, etc.) and therefore cannot import those packages back. Engine
// sits above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	eng, err := engine.New(store,
//	    engine.WithConcurrency(8),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Logging(logger)),
//	    engine.WithBackoff(backoff.Exponential()),
//	)
//
// # Registering Pipelines
//
//	renderer := render.NewRenderer(narrator, composer, storage, logger)
//	eng.Register(renderer.Pipeline())
//
// # Submitting Jobs
//
//	j, err := engine.Submit(ctx, eng, render.JobType, req,
//	    job.WithOwner(userID),
//	    job.WithPriority(job.PriorityHigh),
//	)
//
// Progress streams through eng.Subscribe (or a ws.Server wired to
// eng.Broker()); external systems get signed webhook deliveries via
// eng.Webhooks().
//
// # Options
//
//   - [WithConcurrency] — cap concurrent job processing
//   - [WithPollInterval] — scheduler poll cadence
//   - [WithShutdownTimeout] — drain budget for Stop
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the execution chain
//   - [WithBackoff] — set the retry backoff strategy
//   - [WithDeliveryWorkers] — cap concurrent webhook dispatches
//   - [WithTracerProvider] / [WithMeterProvider] — OpenTelemetry providers
package engine

// Package renderq is an asynchronous render-job orchestration engine for
// video-authoring backends. It accepts "render this project into a video"
// requests, schedules them under bounded concurrency, drives each job
// through an ordered multi-stage pipeline (narration synthesis, composition,
// artifact upload), tracks per-job progress, retries recoverable failures
// with backoff, streams live progress to subscribed clients, and notifies
// external systems through signed, durably logged webhook deliveries.
//
// renderq is designed as a library, not a service. Import it, configure a
// store, register a pipeline per job type, and submit jobs.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New())
//	if err != nil { ... }
//	renderer := render.NewRenderer(narrator, composer, storage, logger)
//	eng.Register(renderer.Pipeline())
//	if err := eng.Start(ctx); err != nil { ... }
//
//	j, err := eng.Submit(ctx, render.JobType, payload,
//	    job.WithPriority(job.PriorityHigh),
//	    job.WithMaxAttempts(3),
//	)
//
// # Architecture
//
// Each subsystem lives in its own package: job (entity, state machine, and
// store contract), scheduler (claim loop under a concurrency ceiling),
// pipeline (staged execution with weighted progress), stream (progress
// fan-out to subscribers), ws (WebSocket progress protocol), webhook
// (signed delivery with an audit log), and fault (failure classification).
// A single store backend (memory, redis, or postgres) implements both the
// job and webhook store contracts.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package renderq

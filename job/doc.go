// Package job defines the render job entity, its status state machine,
// progress events, and the durable store contract.
//
// # Job Entity
//
// A [Job] represents one unit of asynchronous render work tracked end-to-end
// by id. It embeds [renderq.Entity] for timestamps, carries a typed payload
// (JSON, one shape per registered pipeline), and progresses through a state
// machine:
//
//	pending → processing → completed
//	pending → processing → retrying → processing → ...
//	pending → processing → failed
//	pending → cancelled
//	processing → cancelled
//
// Terminal states (completed, failed, cancelled) are absorbing: any
// transition out of them returns [renderq.ErrInvalidTransition].
//
// Fields of note:
//   - Priority: high jobs are claimed before normal, normal before low
//   - Attempts / MaxAttempts: retry budget, incremented at claim time
//   - ScheduledFor: earliest time the job may be claimed (backoff delay)
//   - Timeout: per-job pipeline deadline (zero = engine default)
//   - Progress: 0–100, monotonic, reaches 100 only on completion
//
// # Store
//
// [Store] is the persistence contract. ClaimNext is the critical operation:
// it must atomically select the highest-priority eligible job, move it to
// processing, and increment its attempt counter so that no two schedulers
// ever claim the same job. Backends live under store/.
package job

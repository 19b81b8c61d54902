package renderq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("renderq: no store configured")
	ErrStoreClosed = errors.New("renderq: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("renderq: job not found")
	ErrWebhookNotFound  = errors.New("renderq: webhook not found")
	ErrDeliveryNotFound = errors.New("renderq: webhook delivery not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("renderq: job already exists")

	// State errors. ErrInvalidTransition indicates an attempt to move a job
	// out of a terminal state (or otherwise violate the state machine) — a
	// programming error in the caller, never a user-facing failure.
	ErrInvalidTransition = errors.New("renderq: invalid status transition")
	ErrJobNotCancellable = errors.New("renderq: job is not cancellable")

	// Lifecycle errors.
	ErrClosed     = errors.New("renderq: scheduler closed")
	ErrNoPipeline = errors.New("renderq: no pipeline registered for job type")
)

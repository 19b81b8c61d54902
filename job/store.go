package job

import (
	"context"
	"time"

	"github.com/lumenlabs/renderq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// OwnerID filters by job owner. Empty means all owners.
	OwnerID string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// OwnerID filters by job owner. Empty means all owners.
	OwnerID string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for render jobs.
//
// All transition methods (MarkCompleted, MarkFailed, MarkRetrying, Cancel)
// enforce the job state machine and return renderq.ErrInvalidTransition
// when asked to move a terminal job. Terminal results and errors are never
// silently overwritten.
type Store interface {
	// EnqueueJob persists a new job in pending state. Returns
	// renderq.ErrJobAlreadyExists if the ID is already present.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimNextJob atomically claims the highest-priority eligible job:
	// status pending or retrying, ScheduledFor <= now, ordered by priority
	// (descending) then creation time (ascending). The claimed job is moved
	// to processing and its attempt counter incremented in the same atomic
	// step. Returns (nil, nil) when no job is eligible.
	ClaimNextJob(ctx context.Context) (*Job, error)

	// GetJob retrieves a job by ID. Returns renderq.ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJobProgress persists a monotonic progress value for a
	// processing job. Regressions are dropped, not errors.
	UpdateJobProgress(ctx context.Context, jobID id.JobID, progress int) error

	// MarkJobCompleted transitions processing → completed, storing the
	// result payload and setting progress to 100.
	MarkJobCompleted(ctx context.Context, jobID id.JobID, result []byte) error

	// MarkJobFailed transitions processing → failed, storing the error text.
	MarkJobFailed(ctx context.Context, jobID id.JobID, errMsg string) error

	// MarkJobRetrying transitions processing → retrying, storing the error
	// text and the earliest time the job becomes claimable again.
	MarkJobRetrying(ctx context.Context, jobID id.JobID, errMsg string, retryAt time.Time) error

	// CancelJob transitions a pending, retrying, or processing job to
	// cancelled. Returns renderq.ErrJobNotCancellable for terminal jobs.
	CancelJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByStatus returns jobs matching the given status, newest first.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteJob removes a job by ID. Intended for retention sweeps of
	// terminal jobs.
	DeleteJob(ctx context.Context, jobID id.JobID) error
}

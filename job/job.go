package job

import (
	"fmt"
	"time"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
)

// Status represents the lifecycle state of a render job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by the scheduler.
	StatusPending Status = "pending"
	// StatusProcessing means a pipeline execution is currently running the job.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed permanently or exhausted its retries.
	StatusFailed Status = "failed"
	// StatusRetrying means the job failed recoverably and is waiting out its
	// backoff delay before becoming claimable again.
	StatusRetrying Status = "retrying"
	// StatusCancelled means the job was explicitly cancelled by its owner.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing. No transition out of a
// terminal status is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a transition from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusRetrying || next == StatusCancelled
	case StatusRetrying:
		return next == StatusProcessing || next == StatusCancelled
	default:
		return false
	}
}

// Priority determines claim ordering. Higher values are claimed first;
// within a priority band ordering is FIFO by creation time.
type Priority int

const (
	// PriorityLow is for background work that can wait.
	PriorityLow Priority = 0
	// PriorityNormal is the default.
	PriorityNormal Priority = 5
	// PriorityHigh jumps the queue ahead of all normal and low jobs.
	PriorityHigh Priority = 10
)

// String returns the priority name used on the wire and in logs.
func (p Priority) String() string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority converts a wire-format priority name. Unknown values
// default to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job represents one unit of asynchronous render work.
type Job struct {
	renderq.Entity

	ID           id.JobID      `json:"id"`
	OwnerID      string        `json:"owner_id,omitempty"`
	Type         string        `json:"type"`
	Payload      []byte        `json:"payload"`
	Status       Status        `json:"status"`
	Priority     Priority      `json:"priority"`
	Progress     int           `json:"progress"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Error        string        `json:"error,omitempty"`
	Result       []byte        `json:"result,omitempty"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// New creates a pending job of the given type with the supplied options.
func New(jobType string, payload []byte, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	j := &Job{
		Entity:       renderq.NewEntity(),
		ID:           id.NewJobID(),
		OwnerID:      o.OwnerID,
		Type:         jobType,
		Payload:      payload,
		Status:       StatusPending,
		Priority:     o.Priority,
		MaxAttempts:  o.MaxAttempts,
		Timeout:      o.Timeout,
		ScheduledFor: o.ScheduledFor,
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}

	return j
}

// Transition moves the job to the next status, updating timestamps.
// Returns renderq.ErrInvalidTransition if the state machine forbids it.
// Store backends call this before persisting so that every backend
// enforces identical semantics.
func (j *Job) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s → %s (job %s)",
			renderq.ErrInvalidTransition, j.Status, next, j.ID)
	}

	now := time.Now().UTC()

	switch next {
	case StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StatusCompleted:
		j.Progress = 100
		j.CompletedAt = &now
	case StatusFailed, StatusCancelled:
		j.CompletedAt = &now
	}

	j.Status = next
	j.Touch()

	return nil
}

// ApplyProgress records a progress value, enforcing monotonicity.
// Values below the current progress are dropped; while the job is still
// processing the value is capped at 99 so that 100 is only ever reached
// through completion.
func (j *Job) ApplyProgress(progress int) {
	if progress > 99 {
		progress = 99
	}
	if progress <= j.Progress {
		return
	}

	j.Progress = progress
	j.Touch()
}

// Claimable reports whether the scheduler may claim the job at time now.
func (j *Job) Claimable(now time.Time) bool {
	if j.Status != StatusPending && j.Status != StatusRetrying {
		return false
	}

	return !j.ScheduledFor.After(now)
}

// Cancellable reports whether Cancel may be honored for the job's
// current status.
func (j *Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing ||
		j.Status == StatusRetrying
}

// RetriesRemaining reports whether the job has attempt budget left.
func (j *Job) RetriesRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

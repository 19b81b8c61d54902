package job

import "time"

// Options configures per-job behavior such as retries, priority, and timeout.
type Options struct {
	// OwnerID identifies the user or system that submitted the job.
	OwnerID string

	// Priority determines claim ordering. Higher values are processed first.
	Priority Priority

	// MaxAttempts is the total number of execution attempts allowed,
	// including the first.
	MaxAttempts int

	// Timeout is the maximum duration a single attempt may run.
	// Zero means the engine default applies.
	Timeout time.Duration

	// ScheduledFor delays the job's first claim eligibility.
	// Zero means immediately claimable.
	ScheduledFor time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:    PriorityNormal,
		MaxAttempts: 3,
	}
}

// Option is a functional option for configuring a job at submission.
type Option func(*Options)

// WithOwner sets the submitting owner's identifier.
func WithOwner(ownerID string) Option {
	return func(o *Options) {
		o.OwnerID = ownerID
	}
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p Priority) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithMaxAttempts sets the total attempt budget, including the first run.
// Values below 1 are ignored; a job always gets at least one attempt.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithTimeout sets the maximum execution duration for one attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithScheduledFor delays the job's first claim eligibility.
func WithScheduledFor(t time.Time) Option {
	return func(o *Options) {
		o.ScheduledFor = t
	}
}

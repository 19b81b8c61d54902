package renderq

import "time"

// Config holds configuration for the orchestration engine.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// PollInterval is how often the scheduler polls for claimable jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight jobs to
	// drain during graceful shutdown before they are cancelled.
	ShutdownTimeout time.Duration

	// DefaultMaxAttempts is the attempt budget applied to submitted jobs
	// that do not specify their own.
	DefaultMaxAttempts int

	// DefaultJobTimeout is the per-job wall-clock deadline applied to
	// submitted jobs that do not specify their own.
	DefaultJobTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		PollInterval:       100 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
		DefaultMaxAttempts: 3,
		DefaultJobTimeout:  10 * time.Minute,
	}
}

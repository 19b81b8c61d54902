// Package scheduler provides the dispatch engine — an Executor that runs
// a claimed job through the pipeline runner and classifies the outcome,
// and a Scheduler that manages concurrent dispatcher goroutines polling
// the store for claimable jobs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/lumenlabs/renderq/backoff"
	"github.com/lumenlabs/renderq/ext"
	"github.com/lumenlabs/renderq/fault"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/pipeline"
)

// Executor runs a single claimed job through the pipeline runner, then
// handles outcome classification, retry scheduling, state updates, and
// lifecycle events.
type Executor struct {
	runner     *pipeline.Runner
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	runner *pipeline.Runner,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		runner:     runner,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		logger:     logger,
	}
}

// Execute runs a claimed job to its next state.
// On success: marks completed, emits JobCompleted.
// On a recoverable failure with attempts remaining: marks retrying with
// backoff, emits JobRetrying.
// On a non-recoverable failure or exhausted attempts: marks failed,
// emits JobFailed.
// External cancellation observed mid-run updates nothing: the job is
// already terminal and the cancel path emits its own event.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()

	emit := func(ev job.ProgressEvent) {
		percent := int(math.Round(ev.Percent * 100))
		if err := e.store.UpdateJobProgress(ctx, j.ID, percent); err != nil {
			e.logger.Warn("failed to persist job progress",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		j.ApplyProgress(percent)
		e.extensions.EmitJobProgress(ctx, j, ev)
	}

	status := func(ctx context.Context) (job.Status, error) {
		fresh, err := e.store.GetJob(ctx, j.ID)
		if err != nil {
			return "", err
		}
		return fresh.Status, nil
	}

	result, runErr := e.runner.Run(ctx, j, emit, status)
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrCancelled) {
			e.logger.Info("job cancelled mid-run",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
			)
			return nil
		}
		return e.handleFailure(ctx, j, runErr)
	}

	return e.handleSuccess(ctx, j, result, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result []byte, elapsed time.Duration) error {
	if err := e.store.MarkJobCompleted(ctx, j.ID, result); err != nil {
		e.logger.Error("failed to mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", err.Error()),
		)
		return err
	}

	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.Result = result
	j.CompletedAt = &now

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure consults the failure classifier and either schedules a
// retry or marks the job permanently failed.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, runErr error) error {
	j.Error = runErr.Error()

	if fault.Recoverable(runErr) && j.RetriesRemaining() {
		return e.scheduleRetry(ctx, j, runErr)
	}

	return e.markFailed(ctx, j, runErr)
}

// scheduleRetry moves the job to retrying with a backoff delay before it
// becomes claimable again.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, runErr error) error {
	retryAt := backoff.RetryAt(e.backoff, time.Now().UTC(), j.Attempts)

	if err := e.store.MarkJobRetrying(ctx, j.ID, runErr.Error(), retryAt); err != nil {
		e.logger.Error("failed to mark job retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	j.Status = job.StatusRetrying
	j.ScheduledFor = retryAt

	e.extensions.EmitJobRetrying(ctx, j, j.Attempts, retryAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Time("retry_at", retryAt),
		slog.String("error", runErr.Error()),
	)

	return nil
}

// markFailed marks the job permanently failed and emits the event.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, runErr error) error {
	if err := e.store.MarkJobFailed(ctx, j.ID, runErr.Error()); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.CompletedAt = &now

	e.extensions.EmitJobFailed(ctx, j, runErr)

	e.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts),
		slog.String("error", runErr.Error()),
	)

	return runErr
}

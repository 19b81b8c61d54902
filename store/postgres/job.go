package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/job"
)

const jobColumns = `
	id, owner_id, type, payload, status, priority, progress,
	attempts, max_attempts, timeout, last_error, result,
	scheduled_for, started_at, completed_at, created_at, updated_at`

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO renderq_jobs (
			id, owner_id, type, payload, status, priority, progress,
			attempts, max_attempts, timeout, last_error, result,
			scheduled_for, started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		j.ID.String(), j.OwnerID, j.Type, j.Payload, string(j.Status),
		int(j.Priority), j.Progress,
		j.Attempts, j.MaxAttempts, j.Timeout.Nanoseconds(), j.Error, j.Result,
		j.ScheduledFor, j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return renderq.ErrJobAlreadyExists
		}
		return fmt.Errorf("renderq/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically claims the highest-priority eligible job using
// SELECT FOR UPDATE SKIP LOCKED, so concurrent dispatchers never claim
// the same row. The claimed job moves to processing and its attempt
// counter is incremented in the same statement.
func (s *Store) ClaimNextJob(ctx context.Context) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE renderq_jobs
		SET status = 'processing',
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM renderq_jobs
			WHERE status IN ('pending', 'retrying')
			  AND scheduled_for <= NOW()
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("renderq/postgres: claim next job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM renderq_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrJobNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJobProgress persists a monotonic progress value. Regressions are
// dropped in SQL rather than round-tripping the row; progress is capped
// at 99 so 100 is only ever reached through completion.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID id.JobID, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_jobs
		SET progress = LEAST($2, 99), updated_at = NOW()
		WHERE id = $1 AND progress < LEAST($2, 99)`,
		jobID.String(), progress,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the job is gone or the value regressed; only the
		// former is an error.
		return s.jobExists(ctx, jobID)
	}
	return nil
}

// MarkJobCompleted transitions processing → completed, storing the result.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID id.JobID, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_jobs
		SET status = 'completed', progress = 100, result = $2,
		    last_error = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID.String(), result,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: mark job completed: %w", err)
	}
	return s.transitionOutcome(ctx, tag.RowsAffected(), jobID, job.StatusCompleted)
}

// MarkJobFailed transitions processing → failed, storing the error text.
func (s *Store) MarkJobFailed(ctx context.Context, jobID id.JobID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_jobs
		SET status = 'failed', last_error = $2,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID.String(), errMsg,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: mark job failed: %w", err)
	}
	return s.transitionOutcome(ctx, tag.RowsAffected(), jobID, job.StatusFailed)
}

// MarkJobRetrying transitions processing → retrying and schedules the
// next claim attempt.
func (s *Store) MarkJobRetrying(ctx context.Context, jobID id.JobID, errMsg string, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_jobs
		SET status = 'retrying', last_error = $2,
		    scheduled_for = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID.String(), errMsg, retryAt,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: mark job retrying: %w", err)
	}
	return s.transitionOutcome(ctx, tag.RowsAffected(), jobID, job.StatusRetrying)
}

// CancelJob transitions a pending, retrying, or processing job to
// cancelled. Terminal jobs are rejected.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if existsErr := s.jobExists(ctx, jobID); existsErr != nil {
			return existsErr
		}
		return renderq.ErrJobNotCancellable
	}
	return nil
}

// ListJobsByStatus returns jobs matching the given status, newest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM renderq_jobs WHERE status = $1`
	args := []interface{}{string(status)}
	argIdx := 2

	if opts.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, opts.OwnerID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM renderq_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, opts.OwnerID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("renderq/postgres: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM renderq_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("renderq/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return renderq.ErrJobNotFound
	}
	return nil
}

// jobExists returns ErrJobNotFound if the job is absent, nil otherwise.
func (s *Store) jobExists(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM renderq_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("renderq/postgres: check job exists: %w", err)
	}
	if !exists {
		return renderq.ErrJobNotFound
	}
	return nil
}

// transitionOutcome maps a zero-row transition update to the right
// sentinel: missing job or illegal state-machine move.
func (s *Store) transitionOutcome(ctx context.Context, affected int64, jobID id.JobID, next job.Status) error {
	if affected > 0 {
		return nil
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s → %s (job %s)",
		renderq.ErrInvalidTransition, j.Status, next, jobID)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		priority  int
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.OwnerID, &j.Type, &j.Payload, &statusStr,
		&priority, &j.Progress,
		&j.Attempts, &j.MaxAttempts, &timeoutNs, &j.Error, &j.Result,
		&j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)
	j.Priority = job.Priority(priority)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("renderq/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("renderq/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renderq/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

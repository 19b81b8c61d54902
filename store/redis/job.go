package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/job"
)

// claimPriorities is the scan order for ClaimNextJob: strict priority,
// highest first.
var claimPriorities = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

// claimScanBatch bounds how many due candidates one claim attempt reads
// per priority level before giving up to the next.
const claimScanBatch = 8

// statusCAS writes job fields only while the status is still the one the
// caller read, closing the read-modify-write window against concurrent
// transitions (a cancel landing mid-claim must not be overwritten).
var statusCAS = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// persistIfStatus persists the job's full record iff its stored status
// still equals from. Returns false when a concurrent transition won.
func (s *Store) persistIfStatus(ctx context.Context, j *job.Job, from job.Status) (bool, error) {
	m := jobToMap(j)
	args := make([]interface{}, 0, 1+2*len(m))
	args = append(args, string(from))
	for field, val := range m {
		args = append(args, field, val)
	}
	n, err := statusCAS.Run(ctx, s.client, []string{jobKey(j.ID.String())}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("renderq/redis: status cas: %w", err)
	}
	return n == 1, nil
}

// transitionConflict re-reads the job and reports the transition the
// concurrent writer made impossible.
func (s *Store) transitionConflict(ctx context.Context, jobID id.JobID, to job.Status) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	return fmt.Errorf("renderq/redis: %w: %s → %s (job %s)", renderq.ErrInvalidTransition, j.Status, to, jobID)
}

// EnqueueJob stores the job as a Hash and indexes it in its priority's
// ready set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return renderq.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, readyKey(int(j.Priority)), goredis.Z{
		Score:  float64(j.ScheduledFor.UnixMilli()),
		Member: jID,
	})

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob scans the ready sets highest priority first and claims the
// earliest due job. ZRem is the claim CAS: whichever worker removes the
// member owns the job, so concurrent claimers never double-claim.
func (s *Store) ClaimNextJob(ctx context.Context) (*job.Job, error) {
	nowMs := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)

	for _, prio := range claimPriorities {
		rk := readyKey(int(prio))

		candidates, err := s.client.ZRangeByScore(ctx, rk, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   nowMs,
			Count: claimScanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("renderq/redis: claim scan: %w", err)
		}

		for _, jID := range candidates {
			removed, remErr := s.client.ZRem(ctx, rk, jID).Result()
			if remErr != nil {
				return nil, fmt.Errorf("renderq/redis: claim zrem: %w", remErr)
			}
			if removed == 0 {
				// Another worker won the race for this member.
				continue
			}

			j, getErr := s.getJobByKey(ctx, jobKey(jID))
			if getErr != nil {
				s.logger.Warn("claimed job id without a record, dropping index entry",
					slog.String("job_id", jID),
					slog.String("error", getErr.Error()),
				)
				continue
			}

			prev := j.Status
			if trErr := j.Transition(job.StatusProcessing); trErr != nil {
				// Stale index entry for a job that moved on (e.g. cancelled).
				continue
			}
			j.Attempts++
			j.Touch()

			ok, casErr := s.persistIfStatus(ctx, j, prev)
			if casErr != nil {
				return nil, casErr
			}
			if !ok {
				// The job transitioned under us, e.g. a cancel landed
				// between the read and the write. Its terminal status wins.
				continue
			}
			return j, nil
		}
	}

	return nil, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJobProgress persists a monotonic progress value. Regressions are
// dropped silently.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID id.JobID, progress int) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	j.ApplyProgress(progress)
	return s.persist(ctx, j)
}

// MarkJobCompleted transitions processing → completed with the result.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID id.JobID, result []byte) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	prev := j.Status
	if err := j.Transition(job.StatusCompleted); err != nil {
		return err
	}
	j.Result = result
	j.Error = ""
	j.Touch()

	ok, err := s.persistIfStatus(ctx, j, prev)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionConflict(ctx, jobID, job.StatusCompleted)
	}
	return nil
}

// MarkJobFailed transitions processing → failed with the error text.
func (s *Store) MarkJobFailed(ctx context.Context, jobID id.JobID, errMsg string) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	prev := j.Status
	if err := j.Transition(job.StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	j.Touch()

	ok, err := s.persistIfStatus(ctx, j, prev)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionConflict(ctx, jobID, job.StatusFailed)
	}
	return nil
}

// MarkJobRetrying transitions processing → retrying and re-indexes the
// job in its ready set at the retry time.
func (s *Store) MarkJobRetrying(ctx context.Context, jobID id.JobID, errMsg string, retryAt time.Time) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	prev := j.Status
	if err := j.Transition(job.StatusRetrying); err != nil {
		return err
	}
	j.Error = errMsg
	j.ScheduledFor = retryAt
	j.Touch()

	ok, err := s.persistIfStatus(ctx, j, prev)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionConflict(ctx, jobID, job.StatusRetrying)
	}

	if err := s.client.ZAdd(ctx, readyKey(int(j.Priority)), goredis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: j.ID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("renderq/redis: mark retrying reindex: %w", err)
	}
	return nil
}

// CancelJob transitions a non-terminal job to cancelled and drops it
// from its ready set. The status CAS loop re-reads on conflict, so a
// claim racing this cancel either sees the cancel or loses its write.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	for {
		j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
		if err != nil {
			return err
		}
		if !j.Cancellable() {
			return renderq.ErrJobNotCancellable
		}
		prev := j.Status
		if err := j.Transition(job.StatusCancelled); err != nil {
			return err
		}
		j.Touch()

		ok, err := s.persistIfStatus(ctx, j, prev)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent transition moved the job; re-evaluate.
			continue
		}

		if err := s.client.ZRem(ctx, readyKey(int(j.Priority)), j.ID.String()).Err(); err != nil {
			return fmt.Errorf("renderq/redis: cancel deindex: %w", err)
		}
		return nil
	}
}

// ListJobsByStatus returns jobs matching the given status, newest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.Status != status {
			continue
		}
		if opts.OwnerID != "" && j.OwnerID != opts.OwnerID {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobsNewestFirst(jobs)

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.OwnerID != "" && j.OwnerID != opts.OwnerID {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, readyKey(int(j.Priority)), jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: delete job: %w", err)
	}
	return nil
}

// ── helpers ──

func (s *Store) persist(ctx context.Context, j *job.Job) error {
	if _, err := s.client.HSet(ctx, jobKey(j.ID.String()), jobToMap(j)).Result(); err != nil {
		return fmt.Errorf("renderq/redis: persist job: %w", err)
	}
	return nil
}

func sortJobsNewestFirst(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"owner_id":      j.OwnerID,
		"type":          j.Type,
		"payload":       string(j.Payload),
		"status":        string(j.Status),
		"priority":      strconv.Itoa(int(j.Priority)),
		"progress":      strconv.Itoa(j.Progress),
		"attempts":      strconv.Itoa(j.Attempts),
		"max_attempts":  strconv.Itoa(j.MaxAttempts),
		"timeout":       strconv.FormatInt(int64(j.Timeout), 10),
		"error":         j.Error,
		"result":        string(j.Result),
		"scheduled_for": j.ScheduledFor.Format(time.RFC3339Nano),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, renderq.ErrJobNotFound
		}
		return nil, fmt.Errorf("renderq/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.Atoi(m["progress"])           //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	scheduledFor, _ := time.Parse(time.RFC3339Nano, m["scheduled_for"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])       //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])       //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: renderq.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           jID,
		OwnerID:      m["owner_id"],
		Type:         m["type"],
		Payload:      []byte(m["payload"]),
		Status:       job.Status(m["status"]),
		Priority:     job.Priority(priority),
		Progress:     progress,
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		Timeout:      time.Duration(timeout),
		Error:        m["error"],
		Result:       []byte(m["result"]),
		ScheduledFor: scheduledFor,
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}
	if len(j.Result) == 0 {
		j.Result = nil
	}

	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}

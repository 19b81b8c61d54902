// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/webhook"
)

// Compile-time checks against each subsystem contract.
var (
	_ job.Store     = (*Store)(nil)
	_ webhook.Store = (*Store)(nil)
)

// Store is an in-memory implementation of the job and webhook stores.
type Store struct {
	mu sync.RWMutex

	jobs       map[string]*job.Job
	webhooks   map[string]*webhook.Registration
	deliveries map[string]*webhook.Delivery
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*job.Job),
		webhooks:   make(map[string]*webhook.Registration),
		deliveries: make(map[string]*webhook.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return renderq.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// ClaimNextJob atomically claims the highest-priority eligible job,
// moving it to processing and incrementing its attempt counter. Returns
// (nil, nil) when nothing is claimable.
func (m *Store) ClaimNextJob(_ context.Context) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var best *job.Job
	for _, j := range m.jobs {
		if !j.Claimable(now) {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		if j.Priority != best.Priority {
			if j.Priority > best.Priority {
				best = j
			}
			continue
		}
		if j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}

	if best == nil {
		return nil, nil
	}

	if err := best.Transition(job.StatusProcessing); err != nil {
		return nil, err
	}
	best.Attempts++
	best.Touch()

	// Return a copy so callers can read without racing the store.
	cp := *best
	return &cp, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, renderq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJobProgress persists a monotonic progress value. Regressions are
// dropped silently.
func (m *Store) UpdateJobProgress(_ context.Context, jobID id.JobID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	j.ApplyProgress(progress)
	return nil
}

// MarkJobCompleted transitions processing → completed with the result.
func (m *Store) MarkJobCompleted(_ context.Context, jobID id.JobID, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	if err := j.Transition(job.StatusCompleted); err != nil {
		return err
	}
	j.Result = result
	j.Error = ""
	j.Touch()
	return nil
}

// MarkJobFailed transitions processing → failed with the error text.
func (m *Store) MarkJobFailed(_ context.Context, jobID id.JobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	if err := j.Transition(job.StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	j.Touch()
	return nil
}

// MarkJobRetrying transitions processing → retrying and schedules the
// next claim attempt.
func (m *Store) MarkJobRetrying(_ context.Context, jobID id.JobID, errMsg string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	if err := j.Transition(job.StatusRetrying); err != nil {
		return err
	}
	j.Error = errMsg
	j.ScheduledFor = retryAt
	j.Touch()
	return nil
}

// CancelJob transitions a non-terminal job to cancelled.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	if !j.Cancellable() {
		return renderq.ErrJobNotCancellable
	}
	if err := j.Transition(job.StatusCancelled); err != nil {
		return err
	}
	j.Touch()
	return nil
}

// ListJobsByStatus returns jobs matching the given status, newest first.
func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if opts.OwnerID != "" && j.OwnerID != opts.OwnerID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.OwnerID != "" && j.OwnerID != opts.OwnerID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return renderq.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ──────────────────────────────────────────────────
// Webhook Store
// ──────────────────────────────────────────────────

// CreateWebhook persists a new registration.
func (m *Store) CreateWebhook(_ context.Context, r *webhook.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.webhooks[r.ID.String()] = &cp
	return nil
}

// GetWebhook retrieves a registration by ID.
func (m *Store) GetWebhook(_ context.Context, webhookID id.WebhookID) (*webhook.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.webhooks[webhookID.String()]
	if !ok {
		return nil, renderq.ErrWebhookNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateWebhook persists changes to an existing registration.
func (m *Store) UpdateWebhook(_ context.Context, r *webhook.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.webhooks[key]; !ok {
		return renderq.ErrWebhookNotFound
	}
	cp := *r
	m.webhooks[key] = &cp
	return nil
}

// DeleteWebhook removes a registration. Its delivery log is retained.
func (m *Store) DeleteWebhook(_ context.Context, webhookID id.WebhookID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := webhookID.String()
	if _, ok := m.webhooks[key]; !ok {
		return renderq.ErrWebhookNotFound
	}
	delete(m.webhooks, key)
	return nil
}

// ListWebhooksByOwner returns all registrations for an owner.
func (m *Store) ListWebhooksByOwner(_ context.Context, ownerID string) ([]*webhook.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*webhook.Registration, 0)
	for _, r := range m.webhooks {
		if r.OwnerID != ownerID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ListSubscribedWebhooks returns the owner's active registrations
// subscribed to the event.
func (m *Store) ListSubscribedWebhooks(_ context.Context, ownerID string, event webhook.Event) ([]*webhook.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*webhook.Registration, 0)
	for _, r := range m.webhooks {
		if !r.Active || r.OwnerID != ownerID || !r.Subscribed(event) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// CreateDelivery persists a new delivery record.
func (m *Store) CreateDelivery(_ context.Context, d *webhook.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deliveries[d.ID.String()] = &cp
	return nil
}

// GetDelivery retrieves a delivery record by ID.
func (m *Store) GetDelivery(_ context.Context, deliveryID id.DeliveryID) (*webhook.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[deliveryID.String()]
	if !ok {
		return nil, renderq.ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

// UpdateDelivery persists changes to an existing delivery record.
func (m *Store) UpdateDelivery(_ context.Context, d *webhook.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.ID.String()
	if _, ok := m.deliveries[key]; !ok {
		return renderq.ErrDeliveryNotFound
	}
	cp := *d
	m.deliveries[key] = &cp
	return nil
}

// ListDeliveriesByWebhook returns a registration's delivery log, newest
// first.
func (m *Store) ListDeliveriesByWebhook(_ context.Context, webhookID id.WebhookID, limit int) ([]*webhook.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := webhookID.String()
	result := make([]*webhook.Delivery, 0)
	for _, d := range m.deliveries {
		if d.WebhookID.String() != key {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListDueDeliveries returns retryable deliveries whose schedule has
// passed, oldest first.
func (m *Store) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*webhook.Delivery, 0)
	for _, d := range m.deliveries {
		if !d.Retryable() || d.ScheduledFor.After(now) {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ScheduledFor.Before(result[k].ScheduledFor)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

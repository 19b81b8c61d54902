// Package webhook notifies external systems of job lifecycle events via
// signed HTTP deliveries. Every delivery attempt is durably recorded for
// audit and redelivery; delivery is fire-and-forget relative to the
// originating job, which never waits on or retries because of an endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/backoff"
	"github.com/lumenlabs/renderq/ext"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Service)(nil)
	_ ext.JobStarted   = (*Service)(nil)
	_ ext.JobCompleted = (*Service)(nil)
	_ ext.JobFailed    = (*Service)(nil)
	_ ext.JobCancelled = (*Service)(nil)
	_ ext.Shutdown     = (*Service)(nil)
)

// Defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultPollInterval   = 10 * time.Second
	DefaultConcurrency    = 8
	DefaultRequestTimeout = 10 * time.Second
	DefaultUserAgent      = "renderq-webhooks/1.0"
	defaultEndpointRate   = rate.Limit(5) // requests/sec per endpoint
	defaultEndpointBurst  = 10
	dueDeliveryClaimBatch = 100
)

// Service dispatches signed webhook deliveries for job lifecycle events
// and runs the background worker that retries due deliveries.
type Service struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	bo          backoff.Strategy
	maxAttempts int
	interval    time.Duration
	userAgent   string

	// One slow endpoint must not starve the rest: dispatch is concurrent
	// but bounded, and each endpoint gets its own token bucket.
	sem      chan struct{}
	limiters sync.Map // endpoint URL → *rate.Limiter
	rateLim  rate.Limit
	burst    int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithMaxAttempts sets the per-delivery attempt cap.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithPollInterval sets how often the delivery worker scans for due
// deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithConcurrency bounds the number of simultaneous HTTP deliveries.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithEndpointRate sets the per-endpoint token bucket.
func WithEndpointRate(r rate.Limit, burst int) Option {
	return func(s *Service) {
		s.rateLim = r
		s.burst = burst
	}
}

// WithBackoff sets the redelivery backoff strategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(s *Service) {
		if bo != nil {
			s.bo = bo
		}
	}
}

// WithUserAgent overrides the User-Agent header on deliveries.
func WithUserAgent(ua string) Option {
	return func(s *Service) { s.userAgent = ua }
}

// NewService creates a webhook delivery service.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		client:      &http.Client{Timeout: DefaultRequestTimeout},
		logger:      logger,
		bo:          backoff.DefaultStrategy(),
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultPollInterval,
		userAgent:   DefaultUserAgent,
		sem:         make(chan struct{}, DefaultConcurrency),
		rateLim:     defaultEndpointRate,
		burst:       defaultEndpointBurst,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements ext.Extension.
func (s *Service) Name() string { return "webhook-delivery" }

// ──────────────────────────────────────────────────
// Registration management
// ──────────────────────────────────────────────────

// Register creates an active registration with a server-generated secret.
// Empty events default to the wildcard subscription.
func (s *Service) Register(ctx context.Context, ownerID, url string, events []Event, headers map[string]string) (*Registration, error) {
	if url == "" {
		return nil, errors.New("renderq/webhook: url is required")
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		events = []Event{EventWildcard}
	}

	r := &Registration{
		Entity:  renderq.NewEntity(),
		ID:      id.NewWebhookID(),
		OwnerID: ownerID,
		URL:     url,
		Secret:  secret,
		Events:  events,
		Active:  true,
		Headers: headers,
	}
	if err := s.store.CreateWebhook(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SetActive toggles a registration without touching its secret or
// subscriptions.
func (s *Service) SetActive(ctx context.Context, webhookID id.WebhookID, active bool) error {
	r, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}
	r.Active = active
	r.Touch()
	return s.store.UpdateWebhook(ctx, r)
}

// Deliveries returns a registration's delivery log, newest first.
func (s *Service) Deliveries(ctx context.Context, webhookID id.WebhookID, limit int) ([]*Delivery, error) {
	return s.store.ListDeliveriesByWebhook(ctx, webhookID, limit)
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobStarted implements ext.JobStarted.
func (s *Service) OnJobStarted(ctx context.Context, j *job.Job) error {
	s.notify(ctx, j.OwnerID, newPayload(EventRenderStarted, j, 0))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (s *Service) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	s.notify(ctx, j.OwnerID, newPayload(EventRenderCompleted, j, elapsed))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (s *Service) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	s.notify(ctx, j.OwnerID, newPayload(EventRenderFailed, j, 0))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (s *Service) OnJobCancelled(ctx context.Context, j *job.Job) error {
	s.notify(ctx, j.OwnerID, newPayload(EventRenderCancelled, j, 0))
	return nil
}

// OnShutdown implements ext.Shutdown.
func (s *Service) OnShutdown(ctx context.Context) error {
	return s.Close(ctx)
}

// notify creates one delivery record per subscribed registration and
// dispatches them concurrently. Never returns an error: endpoint trouble
// is the delivery log's problem, not the job's.
func (s *Service) notify(ctx context.Context, ownerID string, p Payload) {
	if ownerID == "" {
		return
	}

	regs, err := s.store.ListSubscribedWebhooks(ctx, ownerID, p.Event)
	if err != nil {
		s.logger.Error("failed to list webhook registrations",
			slog.String("owner_id", ownerID),
			slog.String("event", string(p.Event)),
			slog.String("error", err.Error()),
		)
		return
	}

	if len(regs) == 0 {
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("failed to marshal webhook payload", slog.String("error", err.Error()))
		return
	}

	for _, r := range regs {
		d := &Delivery{
			Entity:       renderq.NewEntity(),
			ID:           id.NewDeliveryID(),
			WebhookID:    r.ID,
			Event:        p.Event,
			Payload:      body,
			Status:       DeliveryPending,
			MaxAttempts:  s.maxAttempts,
			ScheduledFor: time.Now().UTC(),
		}
		if createErr := s.store.CreateDelivery(ctx, d); createErr != nil {
			s.logger.Error("failed to create webhook delivery",
				slog.String("webhook_id", r.ID.String()),
				slog.String("error", createErr.Error()),
			)
			continue
		}

		s.wg.Add(1)
		go func(d *Delivery, r *Registration) {
			defer s.wg.Done()
			// The job's context may be gone by the time we deliver.
			s.dispatch(context.Background(), d, r)
		}(d, r)
	}
}

// ──────────────────────────────────────────────────
// Delivery
// ──────────────────────────────────────────────────

// Redeliver attempts a delivery on demand, regardless of its schedule.
func (s *Service) Redeliver(ctx context.Context, deliveryID id.DeliveryID) error {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	r, err := s.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		return err
	}
	s.dispatch(ctx, d, r)
	if d.Status != DeliveryCompleted {
		return fmt.Errorf("renderq/webhook: redelivery of %s failed with status %d", d.ID, d.ResponseCode)
	}
	return nil
}

// dispatch performs one bounded, rate-limited HTTP attempt and persists
// the outcome.
func (s *Service) dispatch(ctx context.Context, d *Delivery, r *Registration) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	if err := s.limiter(r.URL).Wait(ctx); err != nil {
		s.logger.Warn("webhook rate limiter wait aborted",
			slog.String("delivery_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	code, respBody, reqErr := s.attempt(ctx, d, r)
	if reqErr != nil {
		d.Attempts++
		d.Status = DeliveryFailed
		d.ResponseCode = 0
		d.ResponseBody = truncate(reqErr.Error(), ResponseBodyLimit)
	} else {
		d.recordOutcome(code, respBody, now)
	}

	if d.Status == DeliveryFailed && d.Retryable() {
		d.ScheduledFor = backoff.RetryAt(s.bo, now, d.Attempts)
	}
	d.Touch()

	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		s.logger.Error("failed to persist webhook delivery outcome",
			slog.String("delivery_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if d.Status == DeliveryCompleted {
		s.logger.Debug("webhook delivered",
			slog.String("delivery_id", d.ID.String()),
			slog.String("event", string(d.Event)),
			slog.Int("code", d.ResponseCode),
		)
		return
	}

	s.logger.Warn("webhook delivery failed",
		slog.String("delivery_id", d.ID.String()),
		slog.String("webhook_id", d.WebhookID.String()),
		slog.String("event", string(d.Event)),
		slog.Int("code", d.ResponseCode),
		slog.Int("attempt", d.Attempts),
		slog.Int("max_attempts", d.MaxAttempts),
	)
}

// attempt sends the signed POST and returns the response code and
// truncated body.
func (s *Service) attempt(ctx context.Context, d *Delivery, r *Registration) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}

	now := time.Now().UTC()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Event", string(d.Event))
	req.Header.Set("X-Webhook-Delivery", d.ID.String())
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	req.Header.Set("X-Webhook-Signature", Sign(r.Secret, now, d.Payload))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, ResponseBodyLimit+1))
	return resp.StatusCode, string(body), nil
}

func (s *Service) limiter(url string) *rate.Limiter {
	if lim, ok := s.limiters.Load(url); ok {
		return lim.(*rate.Limiter)
	}
	lim, _ := s.limiters.LoadOrStore(url, rate.NewLimiter(s.rateLim, s.burst))
	return lim.(*rate.Limiter)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ──────────────────────────────────────────────────
// Delivery worker
// ──────────────────────────────────────────────────

// Start launches the background worker that redelivers due failed and
// pending deliveries. It returns immediately.
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("webhook delivery worker starting",
		slog.Duration("poll_interval", s.interval),
		slog.Int("max_attempts", s.maxAttempts),
	)

	s.wg.Add(1)
	go s.deliveryLoop()
	return nil
}

// Close stops the worker and waits for in-flight deliveries to finish,
// bounded by the context.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) deliveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.redeliverDue()
		}
	}
}

// redeliverDue scans for retryable deliveries whose backoff has elapsed
// and dispatches them.
func (s *Service) redeliverDue() {
	ctx := context.Background()

	due, err := s.store.ListDueDeliveries(ctx, time.Now().UTC(), dueDeliveryClaimBatch)
	if err != nil {
		s.logger.Error("failed to list due webhook deliveries", slog.String("error", err.Error()))
		return
	}

	for _, d := range due {
		r, getErr := s.store.GetWebhook(ctx, d.WebhookID)
		if getErr != nil || !r.Active {
			// Registration is gone or paused: leave the record alone.
			continue
		}

		// Push ScheduledFor ahead so the next scan doesn't double-claim.
		d.ScheduledFor = backoff.RetryAt(s.bo, time.Now().UTC(), d.Attempts+1)
		if updErr := s.store.UpdateDelivery(ctx, d); updErr != nil {
			s.logger.Error("failed to claim due delivery",
				slog.String("delivery_id", d.ID.String()),
				slog.String("error", updErr.Error()),
			)
			continue
		}

		s.wg.Add(1)
		go func(d *Delivery, r *Registration) {
			defer s.wg.Done()
			s.dispatch(ctx, d, r)
		}(d, r)
	}
}

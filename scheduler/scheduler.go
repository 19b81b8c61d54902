package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/job"
)

// Default configuration values.
const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 100 * time.Millisecond
)

// Scheduler manages a set of concurrent dispatcher goroutines that claim
// eligible jobs from the store and execute them.
type Scheduler struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
	paused  atomic.Bool

	inflight atomic.Int64

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the number of concurrent dispatcher goroutines.
// This is the ceiling on simultaneously processing jobs.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPollInterval sets how often idle dispatchers poll for new jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a Scheduler.
func New(store job.Store, executor *Executor, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		executor:     executor,
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatcher goroutines. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return renderq.ErrClosed
	}
	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("scheduler starting",
		slog.Int("concurrency", s.concurrency),
		slog.Duration("poll_interval", s.pollInterval),
	)

	for range s.concurrency {
		s.wg.Add(1)
		go s.dispatchLoop()
	}

	return nil
}

// Close signals all dispatchers to stop and waits for in-flight jobs to
// drain. If the context expires first, active jobs are cancelled; they
// observe the cancellation at the next stage boundary and come back as
// retrying or failed depending on classification.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("scheduler stopping", slog.Int64("inflight", s.inflight.Load()))

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, cancelling active jobs")
		s.cancelActiveJobs()
		s.wg.Wait()
	}

	return nil
}

// Wake nudges an idle dispatcher to poll immediately instead of waiting
// out the poll interval. Safe to call from any goroutine; coalesces.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause stops dispatchers from claiming new jobs. In-flight jobs run to
// completion.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.logger.Info("scheduler paused")
}

// Resume re-enables claiming after a Pause.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.logger.Info("scheduler resumed")
	s.Wake()
}

// Inflight reports the number of jobs currently being processed.
func (s *Scheduler) Inflight() int {
	return int(s.inflight.Load())
}

// dispatchLoop is run by each dispatcher goroutine.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.paused.Load() {
			s.sleep()
			continue
		}

		j, err := s.store.ClaimNextJob(context.Background())
		if err != nil {
			s.logger.Error("claim error", slog.String("error", err.Error()))
			s.sleep()
			continue
		}

		if j == nil {
			s.sleep()
			continue
		}

		s.runJob(j)
	}
}

// runJob executes a single claimed job, tracking it for shutdown
// cancellation.
func (s *Scheduler) runJob(j *job.Job) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	ctx, cancel := context.WithCancel(context.Background())
	s.trackJob(j.ID.String(), cancel)
	defer func() {
		s.untrackJob(j.ID.String())
		cancel()
	}()

	if execErr := s.executor.Execute(ctx, j); execErr != nil {
		s.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", execErr.Error()),
		)
	}
}

func (s *Scheduler) sleep() {
	select {
	case <-time.After(s.pollInterval):
	case <-s.wake:
	case <-s.stopCh:
	}
}

func (s *Scheduler) trackJob(jobID string, cancel context.CancelFunc) {
	s.activeMu.Lock()
	s.activeJobs[jobID] = cancel
	s.activeMu.Unlock()
}

func (s *Scheduler) untrackJob(jobID string) {
	s.activeMu.Lock()
	delete(s.activeJobs, jobID)
	s.activeMu.Unlock()
}

func (s *Scheduler) cancelActiveJobs() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for jobID, cancel := range s.activeJobs {
		s.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}

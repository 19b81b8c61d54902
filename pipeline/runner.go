package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenlabs/renderq/fault"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/middleware"
)

// ErrCancelled is returned by Run when the job was cancelled externally
// and the pipeline stopped at a stage boundary.
var ErrCancelled = errors.New("renderq/pipeline: execution cancelled")

// Emitter receives progress events produced during a run.
type Emitter func(ev job.ProgressEvent)

// StatusFunc reports the job's current persisted status. The runner calls
// it between stages to honor external cancellation at safe checkpoints.
type StatusFunc func(ctx context.Context) (job.Status, error)

// Runner drives claimed jobs through their registered pipelines.
type Runner struct {
	registry       *Registry
	logger         *slog.Logger
	chain          middleware.Middleware
	defaultTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMiddleware sets the middleware chain applied around each run.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) {
		r.chain = middleware.Chain(mws...)
	}
}

// WithDefaultTimeout sets the deadline for jobs that carry none of
// their own.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.defaultTimeout = d
	}
}

// NewRunner creates a pipeline runner.
func NewRunner(registry *Registry, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:       registry,
		logger:         logger,
		defaultTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the job's pipeline to completion, racing it against the
// job's deadline. On success it returns the result recorded by the stages.
// On failure the returned error carries the stage name and is ready for
// the failure classifier; Run itself never decides whether to retry.
//
// A nil error means the job completed. ErrCancelled means the job was
// cancelled externally and already holds its terminal status.
func (r *Runner) Run(ctx context.Context, j *job.Job, emit Emitter, status StatusFunc) ([]byte, error) {
	p, ok := r.registry.Get(j.Type)
	if !ok {
		return nil, fault.NoProcessor(j.Type)
	}

	start := time.Now()
	exec := newExecution(j, func(overall float64, stage string, prog Progress) {
		if emit == nil {
			return
		}
		// 1.0 is reserved for the completed message.
		if overall > 0.99 {
			overall = 0.99
		}
		emit(job.ProgressEvent{
			JobID:             j.ID,
			Percent:           overall,
			Message:           prog.Message,
			Stage:             stage,
			CurrentFile:       prog.CurrentFile,
			TotalFiles:        prog.TotalFiles,
			EstimatedTimeLeft: estimateRemaining(time.Since(start), overall),
			At:                time.Now().UTC(),
		})
	})

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	body := func(ctx context.Context) error {
		return r.runStages(ctx, p, exec, status)
	}
	if r.chain != nil {
		inner := body
		body = func(ctx context.Context) error {
			return r.chain(ctx, j, inner)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- body(runCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return exec.Result(), nil
	case <-timer.C:
		cancel()
		// Wait for the stage goroutine to observe cancellation so its
		// writes to the execution are done before we return.
		<-done
		return nil, fault.Timeout("job %s exceeded %s deadline", j.ID, timeout)
	}
}

// runStages executes the pipeline's stages strictly in sequence,
// checking for external cancellation at each stage boundary.
func (r *Runner) runStages(ctx context.Context, p *Pipeline, exec *Execution, status StatusFunc) error {
	var done float64

	for i, st := range p.stages {
		if err := r.checkpoint(ctx, exec, status); err != nil {
			return err
		}

		w := p.weights[i]
		exec.beginStage(st.Name, done, w)
		exec.Report(Progress{Fraction: 0, Message: "starting " + st.Name})

		r.logger.Debug("stage started",
			slog.String("job_id", exec.Job().ID.String()),
			slog.String("stage", st.Name),
		)

		if err := st.Run(ctx, exec); err != nil {
			return annotateStage(err, st.Name)
		}

		done += w
		exec.Report(Progress{Fraction: 1, Message: st.Name + " complete"})
	}

	return nil
}

// checkpoint aborts the run when the job has been cancelled while a
// previous stage was executing. Status lookup failures are logged and
// skipped: a flaky store read must not kill a healthy run.
func (r *Runner) checkpoint(ctx context.Context, exec *Execution, status StatusFunc) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if status == nil {
		return nil
	}

	s, err := status(ctx)
	if err != nil {
		r.logger.Warn("status check failed at stage boundary",
			slog.String("job_id", exec.Job().ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if s == job.StatusCancelled {
		return ErrCancelled
	}

	return nil
}

func annotateStage(err error, stage string) error {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Stage == "" {
		return fe.WithStage(stage)
	}
	return fmt.Errorf("stage %q: %w", stage, err)
}

// estimateRemaining extrapolates time left from elapsed time and overall
// completion. Returns seconds; zero when there is not enough signal yet.
func estimateRemaining(elapsed time.Duration, overall float64) float64 {
	if overall < 0.01 {
		return 0
	}
	return elapsed.Seconds() * (1 - overall) / overall
}

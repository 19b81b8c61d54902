package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lumenlabs/renderq/fault"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/middleware"
	"github.com/lumenlabs/renderq/pipeline"
)

func testRegistry(t *testing.T, stages ...pipeline.Stage) *pipeline.Registry {
	t.Helper()
	r := pipeline.NewRegistry()
	r.Register(pipeline.MustNew("render", stages))
	return r
}

func TestRunner_SuccessCollectsResult(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 0.5, Run: func(_ context.Context, exec *pipeline.Execution) error {
			exec.Set("audio", "narration.mp3")
			return nil
		}},
		pipeline.Stage{Name: "upload", Weight: 0.5, Run: func(_ context.Context, exec *pipeline.Execution) error {
			audio, ok := exec.Value("audio")
			if !ok {
				return errors.New("missing upstream artifact")
			}
			return exec.SetResult(map[string]string{"url": "https://cdn.example.com/" + audio.(string)})
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	j := job.New("render", nil)
	result, err := runner.Run(context.Background(), j, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["url"] != "https://cdn.example.com/narration.mp3" {
		t.Errorf("unexpected result: %v", out)
	}
}

func TestRunner_ProgressMonotonicAndWeighted(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 0.5, Run: func(_ context.Context, exec *pipeline.Execution) error {
			exec.Report(pipeline.Progress{Fraction: 0.5, Message: "halfway"})
			return nil
		}},
		pipeline.Stage{Name: "composition", Weight: 0.3, Run: noopStage},
		pipeline.Stage{Name: "upload", Weight: 0.2, Run: noopStage},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	var events []job.ProgressEvent
	emit := func(ev job.ProgressEvent) { events = append(events, ev) }

	j := job.New("render", nil)
	if _, err := runner.Run(context.Background(), j, emit, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}

	prev := -1.0
	for i, ev := range events {
		if ev.Percent < prev {
			t.Errorf("event %d: percent %v regressed below %v", i, ev.Percent, prev)
		}
		if ev.Percent > 0.99 {
			t.Errorf("event %d: percent %v exceeds cap of 0.99", i, ev.Percent)
		}
		prev = ev.Percent
	}

	// Mid-narration report lands at 0.5 * 0.5 = 0.25 overall.
	found := false
	for _, ev := range events {
		if ev.Message == "halfway" {
			found = true
			if ev.Percent != 0.25 {
				t.Errorf("halfway percent = %v, want 0.25", ev.Percent)
			}
			if ev.Stage != "narration" {
				t.Errorf("halfway stage = %q, want narration", ev.Stage)
			}
		}
	}
	if !found {
		t.Error("stage-local report never surfaced")
	}
}

func TestRunner_StageErrorAnnotated(t *testing.T) {
	boom := errors.New("encoder crashed")
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 0.5, Run: noopStage},
		pipeline.Stage{Name: "composition", Weight: 0.5, Run: func(_ context.Context, _ *pipeline.Execution) error {
			return boom
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	_, err := runner.Run(context.Background(), job.New("render", nil), nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped stage error, got %v", err)
	}
	if !strings.Contains(err.Error(), "composition") {
		t.Errorf("error should name the failing stage: %v", err)
	}
}

func TestRunner_FaultKeepsKindThroughStageAnnotation(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 1, Run: func(_ context.Context, _ *pipeline.Execution) error {
			return fault.Validation("script is empty")
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	_, err := runner.Run(context.Background(), job.New("render", nil), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.ClassifyKind(err) != fault.KindValidation {
		t.Errorf("kind = %v, want validation", fault.ClassifyKind(err))
	}
	if !strings.Contains(err.Error(), "narration") {
		t.Errorf("error should carry the stage name: %v", err)
	}
}

func TestRunner_NoProcessor(t *testing.T) {
	runner := pipeline.NewRunner(pipeline.NewRegistry(), slog.Default())

	_, err := runner.Run(context.Background(), job.New("render", nil), nil, nil)
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	if fault.ClassifyKind(err) != fault.KindNoProcessor {
		t.Errorf("kind = %v, want no_processor", fault.ClassifyKind(err))
	}
}

func TestRunner_TimeoutRace(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 1, Run: func(ctx context.Context, _ *pipeline.Execution) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	j := job.New("render", nil, job.WithTimeout(30*time.Millisecond))
	start := time.Now()
	_, err := runner.Run(context.Background(), j, nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if fault.ClassifyKind(err) != fault.KindTimeout {
		t.Errorf("kind = %v, want timeout", fault.ClassifyKind(err))
	}
	if !fault.Recoverable(err) {
		t.Error("timeouts must be recoverable")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not fire promptly")
	}
}

func TestRunner_CancellationAtStageBoundary(t *testing.T) {
	var secondRan bool
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 0.5, Run: noopStage},
		pipeline.Stage{Name: "composition", Weight: 0.5, Run: func(_ context.Context, _ *pipeline.Execution) error {
			secondRan = true
			return nil
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	// After the first stage completes the job reads as cancelled.
	calls := 0
	status := func(_ context.Context) (job.Status, error) {
		calls++
		if calls > 1 {
			return job.StatusCancelled, nil
		}
		return job.StatusProcessing, nil
	}

	_, err := runner.Run(context.Background(), job.New("render", nil), nil, status)
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if secondRan {
		t.Error("stage after cancellation checkpoint must not run")
	}
}

func TestRunner_StatusCheckFailureDoesNotAbort(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 1, Run: noopStage},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	status := func(_ context.Context) (job.Status, error) {
		return "", errors.New("store unavailable")
	}

	if _, err := runner.Run(context.Background(), job.New("render", nil), nil, status); err != nil {
		t.Fatalf("flaky status check should not fail the run: %v", err)
	}
}

func TestRunner_MiddlewareWrapsRun(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 1, Run: noopStage},
	)

	var wrapped bool
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		wrapped = true
		return next(ctx)
	}
	runner := pipeline.NewRunner(reg, slog.Default(), pipeline.WithMiddleware(mw))

	if _, err := runner.Run(context.Background(), job.New("render", nil), nil, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !wrapped {
		t.Error("middleware chain was not applied")
	}
}

func TestPayload_TypedDecode(t *testing.T) {
	reg := testRegistry(t,
		pipeline.Stage{Name: "narration", Weight: 1, Run: func(_ context.Context, exec *pipeline.Execution) error {
			p, err := pipeline.Payload[renderPayload](exec)
			if err != nil {
				return err
			}
			return exec.SetResult(p.ProjectID)
		}},
	)
	runner := pipeline.NewRunner(reg, slog.Default())

	j := job.New("render", []byte(`{"projectId":"p42","slides":7}`))
	result, err := runner.Run(context.Background(), j, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(result) != `"p42"` {
		t.Errorf("result = %s, want \"p42\"", result)
	}
}

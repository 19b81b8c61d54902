package render_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumenlabs/renderq/fault"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/pipeline"
	"github.com/lumenlabs/renderq/render"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNarrator struct {
	name string
	err  error

	mu       sync.Mutex
	requests []render.NarrationRequest
}

func (f *fakeNarrator) Name() string { return f.name }

func (f *fakeNarrator) Synthesize(_ context.Context, req render.NarrationRequest) (*render.Narration, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &render.Narration{
		AudioURL: "/tts-audio/" + f.name + ".mp3",
		Duration: 2 * time.Second,
	}, nil
}

func (f *fakeNarrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeComposer struct {
	err  error
	last render.CompositionRequest
}

func (f *fakeComposer) Compose(_ context.Context, req render.CompositionRequest) (*render.Composition, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &render.Composition{
		LocalPath: "/videos/" + req.ProjectID + ".mp4",
		Duration:  6 * time.Second,
	}, nil
}

type fakeStorage struct {
	err error
	url string
}

func (f *fakeStorage) Upload(_ context.Context, _, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.url != "" {
		return f.url, nil
	}
	return "https://cdn.example.com/" + name, nil
}

func testRequest() render.Request {
	return render.Request{
		ProjectID: "proj-1",
		VoiceID:   "pt-BR-AntonioNeural",
		Slides: []render.Slide{
			{ID: "s1", Title: "Intro", Content: "Welcome to the course"},
			{ID: "s2", Title: "Middle", Content: "The interesting part"},
			{ID: "s3", Title: "Outro"},
		},
	}
}

func runPipeline(t *testing.T, p *pipeline.Pipeline, req render.Request, emit pipeline.Emitter) ([]byte, error) {
	t.Helper()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	reg := pipeline.NewRegistry()
	reg.Register(p)

	runner := pipeline.NewRunner(reg, testLogger())
	j := job.New(render.JobType, payload)
	return runner.Run(context.Background(), j, emit, nil)
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*render.Request)
		wantErr bool
	}{
		{name: "valid", mutate: func(_ *render.Request) {}},
		{
			name:    "missing project",
			mutate:  func(r *render.Request) { r.ProjectID = "  " },
			wantErr: true,
		},
		{
			name:    "no slides",
			mutate:  func(r *render.Request) { r.Slides = nil },
			wantErr: true,
		},
		{
			name: "slide without text",
			mutate: func(r *render.Request) {
				r.Slides[1] = render.Slide{ID: "s2"}
			},
			wantErr: true,
		},
		{
			name: "title-only slide is fine",
			mutate: func(r *render.Request) {
				r.Slides[1] = render.Slide{ID: "s2", Title: "Just a title"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest()
			tc.mutate(&req)

			err := req.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if fault.Recoverable(err) {
					t.Errorf("validation error should not be recoverable: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPipelineProducesResult(t *testing.T) {
	narrator := &fakeNarrator{name: "elevenlabs"}
	composer := &fakeComposer{}
	r := render.NewRenderer(narrator, composer, &fakeStorage{}, testLogger())

	var mu sync.Mutex
	var percents []float64
	emit := func(ev job.ProgressEvent) {
		mu.Lock()
		percents = append(percents, ev.Percent)
		mu.Unlock()
	}

	raw, err := runPipeline(t, r.Pipeline(), testRequest(), emit)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	var result render.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.VideoURL == "" || !strings.HasPrefix(result.VideoURL, "https://cdn.example.com/") {
		t.Errorf("unexpected video URL %q", result.VideoURL)
	}
	if result.Slides != 3 {
		t.Errorf("expected 3 slides in result, got %d", result.Slides)
	}
	if result.DurationSeconds != 6 {
		t.Errorf("expected 6s duration, got %v", result.DurationSeconds)
	}

	if narrator.callCount() != 3 {
		t.Errorf("expected 3 narration calls, got %d", narrator.callCount())
	}
	if len(composer.last.Slides) != 3 {
		t.Errorf("composer received %d slides, want 3", len(composer.last.Slides))
	}

	// Progress must be monotonic and stay below the completed mark.
	mu.Lock()
	defer mu.Unlock()
	if len(percents) == 0 {
		t.Fatal("no progress events emitted")
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("progress regressed: %v then %v", percents[i-1], percents[i])
		}
	}
	for _, p := range percents {
		if p > 0.99 {
			t.Errorf("progress %v exceeds pre-completion ceiling", p)
		}
	}
}

func TestPipelineAppliesVoiceOverrides(t *testing.T) {
	narrator := &fakeNarrator{name: "edge-tts"}
	r := render.NewRenderer(narrator, &fakeComposer{}, &fakeStorage{}, testLogger())

	req := testRequest()
	req.Slides[1].VoiceID = "en-US-AriaNeural"

	if _, err := runPipeline(t, r.Pipeline(), req, nil); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	narrator.mu.Lock()
	defer narrator.mu.Unlock()
	if got := narrator.requests[0].VoiceID; got != "pt-BR-AntonioNeural" {
		t.Errorf("slide 0 voice = %q, want request default", got)
	}
	if got := narrator.requests[1].VoiceID; got != "en-US-AriaNeural" {
		t.Errorf("slide 1 voice = %q, want override", got)
	}
}

func TestPipelineNarrationFailureCarriesStage(t *testing.T) {
	narrator := &fakeNarrator{name: "edge-tts", err: fault.Transient("tts service unavailable")}
	r := render.NewRenderer(narrator, &fakeComposer{}, &fakeStorage{}, testLogger())

	_, err := runPipeline(t, r.Pipeline(), testRequest(), nil)
	if err == nil {
		t.Fatal("expected narration failure")
	}
	if !fault.Recoverable(err) {
		t.Errorf("transient narration failure should be recoverable: %v", err)
	}
	if !strings.Contains(err.Error(), "narration") {
		t.Errorf("error should name the failing stage: %v", err)
	}
}

func TestPipelineUploadFailureFallsBackToLocalPath(t *testing.T) {
	r := render.NewRenderer(
		&fakeNarrator{name: "edge-tts"},
		&fakeComposer{},
		&fakeStorage{err: errors.New("bucket unavailable")},
		testLogger(),
	)

	raw, err := runPipeline(t, r.Pipeline(), testRequest(), nil)
	if err != nil {
		t.Fatalf("upload failure must not fail the job: %v", err)
	}

	var result render.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.VideoURL != "/videos/proj-1.mp4" {
		t.Errorf("expected local fallback URL, got %q", result.VideoURL)
	}
}

func TestPipelineRejectsInvalidPayloadAtSubmission(t *testing.T) {
	r := render.NewRenderer(&fakeNarrator{name: "edge-tts"}, &fakeComposer{}, &fakeStorage{}, testLogger())
	p := r.Pipeline()

	if err := p.ValidatePayload([]byte(`{"projectId":"p1","slides":[]}`)); err == nil {
		t.Error("expected slideless payload to be rejected")
	}
	if err := p.ValidatePayload([]byte(`not json`)); err == nil {
		t.Error("expected malformed payload to be rejected")
	}
	valid, _ := json.Marshal(testRequest())
	if err := p.ValidatePayload(valid); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestFallbackUsedWhenPrimaryFails(t *testing.T) {
	primary := &fakeNarrator{name: "elevenlabs", err: fault.Transient("quota exceeded")}
	secondary := &fakeNarrator{name: "edge-tts"}
	narrator := render.Fallback(primary, secondary, testLogger())

	n, err := narrator.Synthesize(context.Background(), render.NarrationRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("fallback should have succeeded: %v", err)
	}
	if !strings.Contains(n.AudioURL, "edge-tts") {
		t.Errorf("expected fallback audio, got %q", n.AudioURL)
	}
	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Errorf("call counts: primary %d fallback %d, want 1 and 1",
			primary.callCount(), secondary.callCount())
	}
}

func TestFallbackReportsBothFailures(t *testing.T) {
	primary := &fakeNarrator{name: "elevenlabs", err: errors.New("quota exceeded")}
	secondary := &fakeNarrator{name: "edge-tts", err: errors.New("binary missing")}
	narrator := render.Fallback(primary, secondary, testLogger())

	_, err := narrator.Synthesize(context.Background(), render.NarrationRequest{Text: "hello"})
	if err == nil {
		t.Fatal("expected error when both providers fail")
	}
	if !strings.Contains(err.Error(), "quota exceeded") || !strings.Contains(err.Error(), "binary missing") {
		t.Errorf("error should carry both failures: %v", err)
	}
}

func TestFallbackSkippedOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	primary := &fakeNarrator{name: "elevenlabs", err: context.Canceled}
	secondary := &fakeNarrator{name: "edge-tts"}
	narrator := render.Fallback(primary, secondary, testLogger())

	cancel()
	if _, err := narrator.Synthesize(ctx, render.NarrationRequest{Text: "hello"}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if secondary.callCount() != 0 {
		t.Errorf("fallback invoked %d times on cancelled context, want 0", secondary.callCount())
	}
}

func TestFallbackPipelineEndToEnd(t *testing.T) {
	primary := &fakeNarrator{name: "elevenlabs", err: fault.Transient("service down")}
	secondary := &fakeNarrator{name: "edge-tts"}
	r := render.NewRenderer(
		render.Fallback(primary, secondary, testLogger()),
		&fakeComposer{}, &fakeStorage{}, testLogger(),
	)

	if _, err := runPipeline(t, r.Pipeline(), testRequest(), nil); err != nil {
		t.Fatalf("pipeline should survive primary provider outage: %v", err)
	}
	if secondary.callCount() != 3 {
		t.Errorf("expected 3 fallback syntheses, got %d", secondary.callCount())
	}
}

package render

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lumenlabs/renderq/pipeline"
)

// Stage weights mirror the share of wall time each phase takes: slide
// narration dominates, then video composition, then publishing.
const (
	narrationWeight   = 0.5
	compositionWeight = 0.3
	uploadWeight      = 0.2
)

const narratedSlidesKey = "render.narratedSlides"

// Renderer wires the external collaborators into a render pipeline.
type Renderer struct {
	narrator NarrationProvider
	composer Composer
	storage  Storage
	logger   *slog.Logger
}

// NewRenderer creates a renderer. Wrap the narrator with Fallback to get
// provider failover. A nil logger defaults to slog.Default.
func NewRenderer(narrator NarrationProvider, composer Composer, storage Storage, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		narrator: narrator,
		composer: composer,
		storage:  storage,
		logger:   logger,
	}
}

// Pipeline builds the three-stage render pipeline, ready for registration.
func (r *Renderer) Pipeline() *pipeline.Pipeline {
	return pipeline.MustNew(JobType, []pipeline.Stage{
		{Name: "narration", Weight: narrationWeight, Run: r.narrate},
		{Name: "composition", Weight: compositionWeight, Run: r.compose},
		{Name: "upload", Weight: uploadWeight, Run: r.upload},
	}, pipeline.WithValidation(func(payload []byte) error {
		var req Request
		if err := unmarshalRequest(payload, &req); err != nil {
			return err
		}
		return req.Validate()
	}))
}

// narrate synthesizes audio for every slide, reporting per-slide progress.
func (r *Renderer) narrate(ctx context.Context, exec *pipeline.Execution) error {
	req, err := pipeline.Payload[Request](exec)
	if err != nil {
		return err
	}

	narrated := make([]NarratedSlide, 0, len(req.Slides))
	for i, slide := range req.Slides {
		voiceID := slide.VoiceID
		if voiceID == "" {
			voiceID = req.VoiceID
		}

		n, synthErr := r.narrator.Synthesize(ctx, NarrationRequest{
			Text:    slide.NarrationText(),
			VoiceID: voiceID,
		})
		if synthErr != nil {
			return fmt.Errorf("narrate slide %d: %w", i, synthErr)
		}

		narrated = append(narrated, NarratedSlide{
			Slide:    slide,
			AudioURL: n.AudioURL,
			Duration: n.Duration,
		})

		exec.Report(pipeline.Progress{
			Fraction:    float64(i+1) / float64(len(req.Slides)),
			Message:     fmt.Sprintf("narrated slide %d/%d", i+1, len(req.Slides)),
			CurrentFile: slide.Title,
			TotalFiles:  len(req.Slides),
		})
	}

	exec.Set(narratedSlidesKey, narrated)
	return nil
}

// compose assembles the narrated slides into a video file.
func (r *Renderer) compose(ctx context.Context, exec *pipeline.Execution) error {
	req, err := pipeline.Payload[Request](exec)
	if err != nil {
		return err
	}

	v, ok := exec.Value(narratedSlidesKey)
	if !ok {
		return fmt.Errorf("compose: narration output missing")
	}
	narrated := v.([]NarratedSlide)

	exec.Report(pipeline.Progress{Fraction: 0.1, Message: "composing video"})

	comp, err := r.composer.Compose(ctx, CompositionRequest{
		ProjectID:  req.ProjectID,
		Slides:     narrated,
		Resolution: req.Resolution,
		Format:     req.Format,
	})
	if err != nil {
		return fmt.Errorf("compose project %q: %w", req.ProjectID, err)
	}

	exec.Set("render.composition", comp)
	return nil
}

// upload publishes the composed video and records the job result. An
// upload failure falls back to the composer-local path so a finished
// render is never thrown away over a storage outage.
func (r *Renderer) upload(ctx context.Context, exec *pipeline.Execution) error {
	req, err := pipeline.Payload[Request](exec)
	if err != nil {
		return err
	}

	v, ok := exec.Value("render.composition")
	if !ok {
		return fmt.Errorf("upload: composition output missing")
	}
	comp := v.(*Composition)

	exec.Report(pipeline.Progress{Fraction: 0.2, Message: "publishing video"})

	videoURL, upErr := r.storage.Upload(ctx, comp.LocalPath, exec.Job().ID.String()+".mp4")
	if upErr != nil {
		r.logger.Warn("upload failed, serving local path",
			slog.String("job_id", exec.Job().ID.String()),
			slog.String("error", upErr.Error()),
		)
		videoURL = comp.LocalPath
	}

	return exec.SetResult(Result{
		VideoURL:        videoURL,
		DurationSeconds: comp.Duration.Seconds(),
		Slides:          len(req.Slides),
	})
}

package render

import (
	"context"
	"time"
)

// NarrationRequest asks a narration provider to synthesize one slide.
type NarrationRequest struct {
	Text    string
	VoiceID string
}

// Narration is the synthesized audio for one slide.
type Narration struct {
	// AudioURL is where the synthesized audio can be fetched by the
	// composer.
	AudioURL string
	// Duration is the spoken length of the clip.
	Duration time.Duration
}

// NarrationProvider synthesizes speech for slide text. Implementations
// wrap external TTS services; errors they return flow through the
// failure classifier, so a provider should return fault.Transient for
// conditions worth retrying and fault.Validation for bad input.
type NarrationProvider interface {
	// Name identifies the provider in logs and progress messages.
	Name() string
	// Synthesize produces audio for one narration request.
	Synthesize(ctx context.Context, req NarrationRequest) (*Narration, error)
}

// NarratedSlide pairs a slide with its synthesized narration.
type NarratedSlide struct {
	Slide    Slide
	AudioURL string
	Duration time.Duration
}

// CompositionRequest asks the composer to assemble the final video.
type CompositionRequest struct {
	ProjectID  string
	Slides     []NarratedSlide
	Resolution string
	Format     string
}

// Composition is the assembled, not-yet-published video.
type Composition struct {
	// LocalPath points at the rendered file on composer-local storage.
	LocalPath string
	// Duration is the total video length.
	Duration time.Duration
}

// Composer assembles narrated slides into a video file.
type Composer interface {
	Compose(ctx context.Context, req CompositionRequest) (*Composition, error)
}

// Storage publishes a rendered file and returns its public URL.
type Storage interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
}

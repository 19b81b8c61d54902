// Package render defines the video render domain: the submission payload,
// the external collaborators (narration, composition, storage), and the
// three-stage pipeline that turns a slide deck into a published video.
//
// Narration is 50% of reported progress, composition 30%, upload 20%.
package render

import (
	"encoding/json"
	"strings"

	"github.com/lumenlabs/renderq/fault"
)

// JobType is the job type the render pipeline registers under.
const JobType = "render"

// Slide is one unit of the deck being rendered. Content is what gets
// narrated; an empty content falls back to the title.
type Slide struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`

	// Per-slide voice override. Empty means the request default.
	VoiceProvider string `json:"voiceProvider,omitempty"`
	VoiceID       string `json:"voiceId,omitempty"`
}

// NarrationText returns the text to synthesize for the slide.
func (s Slide) NarrationText() string {
	if strings.TrimSpace(s.Content) != "" {
		return s.Content
	}
	return s.Title
}

// Request is the render job payload.
type Request struct {
	ProjectID  string  `json:"projectId"`
	Slides     []Slide `json:"slides"`
	Resolution string  `json:"resolution,omitempty"`
	Format     string  `json:"format,omitempty"`

	// Default voice for slides that carry no override.
	VoiceProvider string `json:"voiceProvider,omitempty"`
	VoiceID       string `json:"voiceId,omitempty"`
}

// Validate rejects requests that could never render. It runs at
// submission time, before the job is enqueued.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return fault.Validation("render request missing projectId")
	}
	if len(r.Slides) == 0 {
		return fault.Validation("render request for project %q has no slides", r.ProjectID)
	}
	for i, s := range r.Slides {
		if strings.TrimSpace(s.NarrationText()) == "" {
			return fault.Validation("slide %d of project %q has no narratable text", i, r.ProjectID)
		}
	}
	return nil
}

func unmarshalRequest(payload []byte, req *Request) error {
	if len(payload) == 0 {
		return fault.Validation("empty render payload")
	}
	if err := json.Unmarshal(payload, req); err != nil {
		return fault.Validation("invalid render payload: %v", err)
	}
	return nil
}

// Result is the payload persisted on completion and pushed to
// subscribers in the completed message.
type Result struct {
	VideoURL        string  `json:"videoUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	Slides          int     `json:"slides"`
}

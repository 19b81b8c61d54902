package job

import (
	"time"

	"github.com/lumenlabs/renderq/id"
)

// ProgressEvent is one point-in-time snapshot of a job's advancement,
// published to the stream broker and fanned out to subscribers.
// Percent is a fraction in [0, 1] as carried on the wire.
type ProgressEvent struct {
	JobID             id.JobID  `json:"jobId"`
	Percent           float64   `json:"percent"`
	Message           string    `json:"message,omitempty"`
	Stage             string    `json:"stage,omitempty"`
	CurrentFile       string    `json:"currentFile,omitempty"`
	TotalFiles        int       `json:"totalFiles,omitempty"`
	EstimatedTimeLeft float64   `json:"estimatedTimeLeft,omitempty"`
	At                time.Time `json:"at"`
}

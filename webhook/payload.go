package webhook

import (
	"encoding/json"
	"time"

	"github.com/lumenlabs/renderq/job"
)

// Payload is the JSON document POSTed to registered endpoints.
type Payload struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      JobData   `json:"data"`
}

// JobData is the job snapshot carried in every event payload.
type JobData struct {
	JobID     string          `json:"jobId"`
	JobType   string          `json:"jobType"`
	OwnerID   string          `json:"ownerId,omitempty"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ElapsedMs int64           `json:"elapsedMs,omitempty"`
}

// newPayload builds the wire payload for a job lifecycle event.
func newPayload(event Event, j *job.Job, elapsed time.Duration) Payload {
	return Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data: JobData{
			JobID:     j.ID.String(),
			JobType:   j.Type,
			OwnerID:   j.OwnerID,
			Status:    string(j.Status),
			Progress:  j.Progress,
			Attempts:  j.Attempts,
			Error:     j.Error,
			Result:    j.Result,
			ElapsedMs: elapsed.Milliseconds(),
		},
	}
}

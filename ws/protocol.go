package ws

import (
	"encoding/json"
	"fmt"

	"github.com/lumenlabs/renderq/stream"
)

// Client-facing message types.
const (
	MessageConnected = "connected"
	MessageProgress  = "progress"
	MessageCompleted = "completed"
	MessageFailed    = "failed"
	MessageCancelled = "cancelled"
)

// ConnectedMessage is the acknowledgement sent immediately after a
// successful subscription.
type ConnectedMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// ProgressMessage carries a snapshot of render progress. Percent is a
// fraction in [0, 1].
type ProgressMessage struct {
	Type              string  `json:"type"`
	JobID             string  `json:"jobId"`
	Percent           float64 `json:"percent"`
	Message           string  `json:"message,omitempty"`
	Stage             string  `json:"stage,omitempty"`
	CurrentFile       string  `json:"currentFile,omitempty"`
	TotalFiles        int     `json:"totalFiles,omitempty"`
	EstimatedTimeLeft float64 `json:"estimatedTimeLeft,omitempty"`
}

// CompletedMessage carries the final render result. Result is the job's
// result document, or JSON null when the job produced none.
type CompletedMessage struct {
	Type   string          `json:"type"`
	JobID  string          `json:"jobId"`
	Result json.RawMessage `json:"result"`
}

// FailedMessage carries the terminal error text.
type FailedMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// CancelledMessage notifies the client the job was cancelled.
type CancelledMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// translate converts a broker event into the client wire message.
// Events with no client-facing representation return (nil, nil).
func translate(evt *stream.Event) (any, error) {
	switch evt.Type {
	case stream.EventJobProgress:
		var data stream.ProgressEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return nil, fmt.Errorf("ws: decode progress event: %w", err)
		}
		return &ProgressMessage{
			Type:              MessageProgress,
			JobID:             data.JobID,
			Percent:           data.Percent,
			Message:           data.Message,
			Stage:             data.Stage,
			CurrentFile:       data.CurrentFile,
			TotalFiles:        data.TotalFiles,
			EstimatedTimeLeft: data.EstimatedTimeLeft,
		}, nil

	case stream.EventJobCompleted:
		var data stream.JobEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return nil, fmt.Errorf("ws: decode completed event: %w", err)
		}
		return &CompletedMessage{
			Type:   MessageCompleted,
			JobID:  data.JobID,
			Result: data.Result,
		}, nil

	case stream.EventJobFailed:
		var data stream.JobEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return nil, fmt.Errorf("ws: decode failed event: %w", err)
		}
		return &FailedMessage{
			Type:  MessageFailed,
			JobID: data.JobID,
			Error: data.Error,
		}, nil

	case stream.EventJobCancelled:
		var data stream.JobEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return nil, fmt.Errorf("ws: decode cancelled event: %w", err)
		}
		return &CancelledMessage{
			Type:  MessageCancelled,
			JobID: data.JobID,
		}, nil

	default:
		// Enqueued, started, and retrying stay internal.
		return nil, nil
	}
}

// Package stream provides the real-time progress broadcaster. It bridges
// the ext.Extension system to connected clients via topic-based pub/sub:
// the engine's lifecycle events flow in through the broker's hooks and fan
// out to per-job subscribers, which transport layers (see package ws) drain.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	RetryAt   string          `json:"retry_at,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms,omitempty"`
}

// ProgressEventData is the payload for job.progress events, mirroring the
// wire shape the WebSocket layer forwards to clients.
type ProgressEventData struct {
	JobID             string  `json:"job_id"`
	Percent           float64 `json:"percent"`
	Message           string  `json:"message,omitempty"`
	Stage             string  `json:"stage,omitempty"`
	CurrentFile       string  `json:"currentFile,omitempty"`
	TotalFiles        int     `json:"totalFiles,omitempty"`
	EstimatedTimeLeft float64 `json:"estimatedTimeLeft,omitempty"`
}

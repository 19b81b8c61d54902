package webhook

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
)

// Event names delivered to registered endpoints.
type Event string

const (
	EventRenderStarted   Event = "render.started"
	EventRenderCompleted Event = "render.completed"
	EventRenderFailed    Event = "render.failed"
	EventRenderCancelled Event = "render.cancelled"

	// EventWildcard subscribes a registration to every event.
	EventWildcard Event = "*"
)

// Registration is an owner's request to receive signed event
// notifications at a URL.
type Registration struct {
	renderq.Entity

	ID      id.WebhookID      `json:"id"`
	OwnerID string            `json:"owner_id"`
	URL     string            `json:"url"`
	Secret  string            `json:"-"`
	Events  []Event           `json:"events"`
	Active  bool              `json:"active"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Subscribed reports whether the registration wants the given event.
func (r *Registration) Subscribed(e Event) bool {
	return slices.Contains(r.Events, EventWildcard) || slices.Contains(r.Events, e)
}

// DeliveryStatus is the state of a single delivery attempt record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Response bodies are truncated to this many bytes before persisting.
const ResponseBodyLimit = 1000

// Delivery is the durable record of one (registration, event) delivery.
// It is created once at notification time and mutated in place as
// attempts are made. Retained for audit; never reused across events.
type Delivery struct {
	renderq.Entity

	ID           id.DeliveryID   `json:"id"`
	WebhookID    id.WebhookID    `json:"webhook_id"`
	Event        Event           `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Status       DeliveryStatus  `json:"status"`
	ResponseCode int             `json:"response_code,omitempty"`
	ResponseBody string          `json:"response_body,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
}

// Retryable reports whether the delivery worker should attempt this
// record again.
func (d *Delivery) Retryable() bool {
	if d.Status == DeliveryCompleted {
		return false
	}
	return d.Attempts < d.MaxAttempts
}

// recordOutcome applies the result of one HTTP attempt.
func (d *Delivery) recordOutcome(code int, body string, at time.Time) {
	d.Attempts++
	d.ResponseCode = code
	if len(body) > ResponseBodyLimit {
		body = body[:ResponseBodyLimit]
	}
	d.ResponseBody = body

	if code >= 200 && code < 300 {
		d.Status = DeliveryCompleted
		t := at
		d.DeliveredAt = &t
		return
	}
	d.Status = DeliveryFailed
}

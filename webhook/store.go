package webhook

import (
	"context"
	"time"

	"github.com/lumenlabs/renderq/id"
)

// Store defines the persistence contract for webhook registrations and
// delivery records.
type Store interface {
	// CreateWebhook persists a new registration.
	CreateWebhook(ctx context.Context, r *Registration) error

	// GetWebhook retrieves a registration by ID. Returns
	// renderq.ErrWebhookNotFound if absent.
	GetWebhook(ctx context.Context, webhookID id.WebhookID) (*Registration, error)

	// UpdateWebhook persists changes to an existing registration.
	UpdateWebhook(ctx context.Context, r *Registration) error

	// DeleteWebhook removes a registration. Its delivery log is retained.
	DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error

	// ListWebhooksByOwner returns all registrations for an owner.
	ListWebhooksByOwner(ctx context.Context, ownerID string) ([]*Registration, error)

	// ListSubscribedWebhooks returns the owner's active registrations
	// subscribed to the given event (directly or via wildcard).
	ListSubscribedWebhooks(ctx context.Context, ownerID string, event Event) ([]*Registration, error)

	// CreateDelivery persists a new delivery record.
	CreateDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery retrieves a delivery record by ID. Returns
	// renderq.ErrDeliveryNotFound if absent.
	GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*Delivery, error)

	// UpdateDelivery persists changes to an existing delivery record.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// ListDeliveriesByWebhook returns a registration's delivery log,
	// newest first, up to limit records. Zero limit means no limit.
	ListDeliveriesByWebhook(ctx context.Context, webhookID id.WebhookID, limit int) ([]*Delivery, error)

	// ListDueDeliveries returns retryable deliveries whose ScheduledFor
	// has passed: pending records, plus failed records with attempts
	// remaining. Up to limit records, oldest ScheduledFor first.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}

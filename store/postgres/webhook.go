package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/webhook"
)

const webhookColumns = `
	id, owner_id, url, secret, events, active, headers, created_at, updated_at`

const deliveryColumns = `
	id, webhook_id, event, payload, status, response_code, response_body,
	attempts, max_attempts, scheduled_for, delivered_at, created_at, updated_at`

// CreateWebhook persists a new registration.
func (s *Store) CreateWebhook(ctx context.Context, r *webhook.Registration) error {
	events, err := json.Marshal(r.Events)
	if err != nil {
		return fmt.Errorf("renderq/postgres: marshal webhook events: %w", err)
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("renderq/postgres: marshal webhook headers: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO renderq_webhooks (
			id, owner_id, url, secret, events, active, headers, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID.String(), r.OwnerID, r.URL, r.Secret, events, r.Active, headers,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: create webhook: %w", err)
	}
	return nil
}

// GetWebhook retrieves a registration by ID.
func (s *Store) GetWebhook(ctx context.Context, webhookID id.WebhookID) (*webhook.Registration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+webhookColumns+` FROM renderq_webhooks WHERE id = $1`,
		webhookID.String(),
	)

	r, err := scanWebhook(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get webhook: %w", err)
	}
	return r, nil
}

// UpdateWebhook persists changes to an existing registration.
func (s *Store) UpdateWebhook(ctx context.Context, r *webhook.Registration) error {
	events, err := json.Marshal(r.Events)
	if err != nil {
		return fmt.Errorf("renderq/postgres: marshal webhook events: %w", err)
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("renderq/postgres: marshal webhook headers: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_webhooks SET
			owner_id = $2, url = $3, secret = $4, events = $5,
			active = $6, headers = $7, updated_at = NOW()
		WHERE id = $1`,
		r.ID.String(), r.OwnerID, r.URL, r.Secret, events, r.Active, headers,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return renderq.ErrWebhookNotFound
	}
	return nil
}

// DeleteWebhook removes a registration. Its delivery log is retained.
func (s *Store) DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM renderq_webhooks WHERE id = $1`, webhookID.String())
	if err != nil {
		return fmt.Errorf("renderq/postgres: delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return renderq.ErrWebhookNotFound
	}
	return nil
}

// ListWebhooksByOwner returns all registrations for an owner, oldest first.
func (s *Store) ListWebhooksByOwner(ctx context.Context, ownerID string) ([]*webhook.Registration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+webhookColumns+`
		 FROM renderq_webhooks WHERE owner_id = $1 ORDER BY created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list webhooks by owner: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// ListSubscribedWebhooks returns the owner's active registrations
// subscribed to the event, either directly or via the wildcard.
func (s *Store) ListSubscribedWebhooks(ctx context.Context, ownerID string, event webhook.Event) ([]*webhook.Registration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+webhookColumns+`
		 FROM renderq_webhooks
		 WHERE owner_id = $1
		   AND active
		   AND (events @> to_jsonb($2::text) OR events @> to_jsonb($3::text))
		 ORDER BY created_at ASC`,
		ownerID, string(event), string(webhook.EventWildcard),
	)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list subscribed webhooks: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// CreateDelivery persists a new delivery record.
func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO renderq_webhook_deliveries (
			id, webhook_id, event, payload, status, response_code, response_body,
			attempts, max_attempts, scheduled_for, delivered_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID.String(), d.WebhookID.String(), string(d.Event), []byte(d.Payload),
		string(d.Status), d.ResponseCode, d.ResponseBody,
		d.Attempts, d.MaxAttempts, d.ScheduledFor, d.DeliveredAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a delivery record by ID.
func (s *Store) GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*webhook.Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM renderq_webhook_deliveries WHERE id = $1`,
		deliveryID.String(),
	)

	d, err := scanDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get delivery: %w", err)
	}
	return d, nil
}

// UpdateDelivery persists changes to a delivery record.
func (s *Store) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE renderq_webhook_deliveries SET
			status = $2, response_code = $3, response_body = $4,
			attempts = $5, scheduled_for = $6, delivered_at = $7,
			updated_at = NOW()
		WHERE id = $1`,
		d.ID.String(), string(d.Status), d.ResponseCode, d.ResponseBody,
		d.Attempts, d.ScheduledFor, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return renderq.ErrDeliveryNotFound
	}
	return nil
}

// ListDeliveriesByWebhook returns a registration's delivery log, newest
// first.
func (s *Store) ListDeliveriesByWebhook(ctx context.Context, webhookID id.WebhookID, limit int) ([]*webhook.Delivery, error) {
	query := `SELECT` + deliveryColumns + `
		FROM renderq_webhook_deliveries
		WHERE webhook_id = $1 ORDER BY created_at DESC`
	args := []interface{}{webhookID.String()}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// ListDueDeliveries returns retryable deliveries whose schedule has
// passed, oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	query := `SELECT` + deliveryColumns + `
		FROM renderq_webhook_deliveries
		WHERE status <> 'completed'
		  AND attempts < max_attempts
		  AND scheduled_for <= $1
		ORDER BY scheduled_for ASC`
	args := []interface{}{now}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list due deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// scanWebhook scans a single registration row.
func scanWebhook(row pgx.Row) (*webhook.Registration, error) {
	var (
		r       webhook.Registration
		idStr   string
		events  []byte
		headers []byte
	)
	err := row.Scan(
		&idStr, &r.OwnerID, &r.URL, &r.Secret, &events, &r.Active, &headers,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseWebhookID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("renderq/postgres: parse webhook id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	if len(events) > 0 {
		if err = json.Unmarshal(events, &r.Events); err != nil {
			return nil, fmt.Errorf("renderq/postgres: unmarshal webhook events: %w", err)
		}
	}
	if len(headers) > 0 {
		if err = json.Unmarshal(headers, &r.Headers); err != nil {
			return nil, fmt.Errorf("renderq/postgres: unmarshal webhook headers: %w", err)
		}
	}

	return &r, nil
}

// collectWebhooks collects all registrations from query rows.
func collectWebhooks(rows pgx.Rows) ([]*webhook.Registration, error) {
	var regs []*webhook.Registration
	for rows.Next() {
		r, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("renderq/postgres: scan webhook row: %w", err)
		}
		regs = append(regs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renderq/postgres: iterate webhook rows: %w", err)
	}
	return regs, nil
}

// scanDelivery scans a single delivery row.
func scanDelivery(row pgx.Row) (*webhook.Delivery, error) {
	var (
		d         webhook.Delivery
		idStr     string
		whStr     string
		eventStr  string
		statusStr string
		payload   []byte
	)
	err := row.Scan(
		&idStr, &whStr, &eventStr, &payload, &statusStr,
		&d.ResponseCode, &d.ResponseBody,
		&d.Attempts, &d.MaxAttempts, &d.ScheduledFor, &d.DeliveredAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Event = webhook.Event(eventStr)
	d.Status = webhook.DeliveryStatus(statusStr)
	d.Payload = payload

	parsedID, parseErr := id.ParseDeliveryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("renderq/postgres: parse delivery id %q: %w", idStr, parseErr)
	}
	d.ID = parsedID

	parsedWebhook, whErr := id.ParseWebhookID(whStr)
	if whErr != nil {
		return nil, fmt.Errorf("renderq/postgres: parse delivery webhook id %q: %w", whStr, whErr)
	}
	d.WebhookID = parsedWebhook

	return &d, nil
}

// collectDeliveries collects all deliveries from query rows.
func collectDeliveries(rows pgx.Rows) ([]*webhook.Delivery, error) {
	var out []*webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("renderq/postgres: scan delivery row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renderq/postgres: iterate delivery rows: %w", err)
	}
	return out, nil
}

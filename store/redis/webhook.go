package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenlabs/renderq"
	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/webhook"
)

// CreateWebhook stores a registration as a Hash and indexes it by owner.
func (s *Store) CreateWebhook(ctx context.Context, r *webhook.Registration) error {
	rID := r.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, webhookKey(rID), webhookToMap(r))
	pipe.SAdd(ctx, webhookIDsKey, rID)
	pipe.SAdd(ctx, ownerWebhooksKey(r.OwnerID), rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: create webhook: %w", err)
	}
	return nil
}

// GetWebhook retrieves a registration by ID.
func (s *Store) GetWebhook(ctx context.Context, webhookID id.WebhookID) (*webhook.Registration, error) {
	return s.getWebhookByKey(ctx, webhookKey(webhookID.String()))
}

// UpdateWebhook persists changes to an existing registration.
func (s *Store) UpdateWebhook(ctx context.Context, r *webhook.Registration) error {
	key := webhookKey(r.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: update webhook exists: %w", err)
	}
	if exists == 0 {
		return renderq.ErrWebhookNotFound
	}

	if _, err = s.client.HSet(ctx, key, webhookToMap(r)).Result(); err != nil {
		return fmt.Errorf("renderq/redis: update webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes a registration. Its delivery log is retained.
func (s *Store) DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error {
	rID := webhookID.String()

	r, err := s.getWebhookByKey(ctx, webhookKey(rID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, webhookKey(rID))
	pipe.SRem(ctx, webhookIDsKey, rID)
	pipe.SRem(ctx, ownerWebhooksKey(r.OwnerID), rID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: delete webhook: %w", err)
	}
	return nil
}

// ListWebhooksByOwner returns all registrations for an owner.
func (s *Store) ListWebhooksByOwner(ctx context.Context, ownerID string) ([]*webhook.Registration, error) {
	ids, err := s.client.SMembers(ctx, ownerWebhooksKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list webhooks smembers: %w", err)
	}

	regs := make([]*webhook.Registration, 0, len(ids))
	for _, rID := range ids {
		r, getErr := s.getWebhookByKey(ctx, webhookKey(rID))
		if getErr != nil {
			continue
		}
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, k int) bool {
		return regs[i].CreatedAt.Before(regs[k].CreatedAt)
	})
	return regs, nil
}

// ListSubscribedWebhooks returns the owner's active registrations
// subscribed to the event.
func (s *Store) ListSubscribedWebhooks(ctx context.Context, ownerID string, event webhook.Event) ([]*webhook.Registration, error) {
	all, err := s.ListWebhooksByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	matched := make([]*webhook.Registration, 0, len(all))
	for _, r := range all {
		if r.Active && r.Subscribed(event) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// CreateDelivery stores a delivery record and indexes it in both the
// per-registration log and the due set.
func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	dID := d.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(dID), deliveryToMap(d))
	pipe.ZAdd(ctx, webhookDeliveriesKey(d.WebhookID.String()), goredis.Z{
		Score:  float64(d.CreatedAt.UnixMilli()),
		Member: dID,
	})
	if d.Retryable() {
		pipe.ZAdd(ctx, dueDeliveriesKey, goredis.Z{
			Score:  float64(d.ScheduledFor.UnixMilli()),
			Member: dID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a delivery record by ID.
func (s *Store) GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*webhook.Delivery, error) {
	return s.getDeliveryByKey(ctx, deliveryKey(deliveryID.String()))
}

// UpdateDelivery persists changes and maintains the due-set membership:
// completed or exhausted deliveries drop out, retryable ones are
// re-scored at their next ScheduledFor.
func (s *Store) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	dID := d.ID.String()
	key := deliveryKey(dID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: update delivery exists: %w", err)
	}
	if exists == 0 {
		return renderq.ErrDeliveryNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, deliveryToMap(d))
	if d.Retryable() {
		pipe.ZAdd(ctx, dueDeliveriesKey, goredis.Z{
			Score:  float64(d.ScheduledFor.UnixMilli()),
			Member: dID,
		})
	} else {
		pipe.ZRem(ctx, dueDeliveriesKey, dID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: update delivery: %w", err)
	}
	return nil
}

// ListDeliveriesByWebhook returns a registration's delivery log, newest
// first.
func (s *Store) ListDeliveriesByWebhook(ctx context.Context, webhookID id.WebhookID, limit int) ([]*webhook.Delivery, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, webhookDeliveriesKey(webhookID.String()), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list deliveries: %w", err)
	}

	out := make([]*webhook.Delivery, 0, len(ids))
	for _, dID := range ids {
		d, getErr := s.getDeliveryByKey(ctx, deliveryKey(dID))
		if getErr != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ListDueDeliveries returns retryable deliveries whose schedule has
// passed, oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, dueDeliveriesKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list due deliveries: %w", err)
	}

	out := make([]*webhook.Delivery, 0, len(ids))
	for _, dID := range ids {
		d, getErr := s.getDeliveryByKey(ctx, deliveryKey(dID))
		if getErr != nil {
			continue
		}
		if !d.Retryable() {
			// Stale index entry.
			_ = s.client.ZRem(ctx, dueDeliveriesKey, dID).Err()
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ── helpers ──

func webhookToMap(r *webhook.Registration) map[string]interface{} {
	return map[string]interface{}{
		"id":         r.ID.String(),
		"owner_id":   r.OwnerID,
		"url":        r.URL,
		"secret":     r.Secret,
		"events":     marshalJSON(r.Events),
		"active":     strconv.FormatBool(r.Active),
		"headers":    marshalJSON(r.Headers),
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": r.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Store) getWebhookByKey(ctx context.Context, key string) (*webhook.Registration, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, renderq.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("renderq/redis: get webhook: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrWebhookNotFound
	}
	return mapToWebhook(vals)
}

func mapToWebhook(m map[string]string) (*webhook.Registration, error) {
	rID, err := id.ParseWebhookID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse webhook id: %w", err)
	}

	active, _ := strconv.ParseBool(m["active"])                   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	var events []webhook.Event
	if v := m["events"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &events) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	return &webhook.Registration{
		Entity: renderq.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:      rID,
		OwnerID: m["owner_id"],
		URL:     m["url"],
		Secret:  m["secret"],
		Events:  events,
		Active:  active,
		Headers: unmarshalMap(m["headers"]),
	}, nil
}

func deliveryToMap(d *webhook.Delivery) map[string]interface{} {
	m := map[string]interface{}{
		"id":            d.ID.String(),
		"webhook_id":    d.WebhookID.String(),
		"event":         string(d.Event),
		"payload":       string(d.Payload),
		"status":        string(d.Status),
		"response_code": strconv.Itoa(d.ResponseCode),
		"response_body": d.ResponseBody,
		"attempts":      strconv.Itoa(d.Attempts),
		"max_attempts":  strconv.Itoa(d.MaxAttempts),
		"scheduled_for": d.ScheduledFor.Format(time.RFC3339Nano),
		"created_at":    d.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.DeliveredAt != nil {
		m["delivered_at"] = d.DeliveredAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getDeliveryByKey(ctx context.Context, key string) (*webhook.Delivery, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, renderq.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("renderq/redis: get delivery: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrDeliveryNotFound
	}
	return mapToDelivery(vals)
}

func mapToDelivery(m map[string]string) (*webhook.Delivery, error) {
	dID, err := id.ParseDeliveryID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse delivery id: %w", err)
	}
	whID, err := id.ParseWebhookID(m["webhook_id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse delivery webhook id: %w", err)
	}

	responseCode, _ := strconv.Atoi(m["response_code"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])          //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data

	scheduledFor, _ := time.Parse(time.RFC3339Nano, m["scheduled_for"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])       //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])       //nolint:errcheck // best-effort parse from trusted Redis data

	d := &webhook.Delivery{
		Entity: renderq.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           dID,
		WebhookID:    whID,
		Event:        webhook.Event(m["event"]),
		Payload:      []byte(m["payload"]),
		Status:       webhook.DeliveryStatus(m["status"]),
		ResponseCode: responseCode,
		ResponseBody: m["response_body"],
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		ScheduledFor: scheduledFor,
	}
	if len(d.Payload) == 0 {
		d.Payload = nil
	}
	if v := m["delivered_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		d.DeliveredAt = &t
	}
	return d, nil
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

package redis

import "strconv"

// Redis key naming conventions for renderq data.
// All keys are prefixed with "renderq:" to avoid collisions.

const keyPrefix = "renderq:"

// ── Job keys ──

// jobKey returns the key for a job entity: renderq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey returns the Sorted Set of claimable job IDs for one priority
// level: renderq:ready:{priority}. Score is the ScheduledFor time in
// Unix milliseconds.
func readyKey(priority int) string {
	return keyPrefix + "ready:" + strconv.Itoa(priority)
}

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Webhook keys ──

// webhookKey returns the key for a registration entity: renderq:webhook:{id}
func webhookKey(id string) string { return keyPrefix + "webhook:" + id }

// ownerWebhooksKey is the Set of registration IDs for one owner.
func ownerWebhooksKey(ownerID string) string {
	return keyPrefix + "webhooks_by_owner:" + ownerID
}

// webhookIDsKey is the Set tracking all registration IDs.
const webhookIDsKey = keyPrefix + "webhook_ids"

// ── Delivery keys ──

// deliveryKey returns the key for a delivery entity: renderq:delivery:{id}
func deliveryKey(id string) string { return keyPrefix + "delivery:" + id }

// webhookDeliveriesKey is the Sorted Set of delivery IDs for one
// registration, scored by creation time for newest-first listing.
func webhookDeliveriesKey(webhookID string) string {
	return keyPrefix + "deliveries_by_webhook:" + webhookID
}

// dueDeliveriesKey is the Sorted Set of retryable delivery IDs, scored
// by ScheduledFor in Unix milliseconds. Completed deliveries are removed.
const dueDeliveriesKey = keyPrefix + "deliveries_due"

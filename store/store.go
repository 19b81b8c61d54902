package store

import (
	"context"

	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/webhook"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (memory, redis, postgres) implements all of them.
type Store interface {
	job.Store
	webhook.Store

	// Migrate prepares backend schema or structures.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

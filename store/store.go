package store

import (
	"context"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/outbound"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, redis, memory) implements all of them.
type Store interface {
	outbound.Store
	dlq.Store
	event.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

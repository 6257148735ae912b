// Package store defines the aggregate persistence interface. Each
// subsystem (fleet, action) defines its own store interface; the
// composite Store composes them all. Backends: Bun (PostgreSQL), Redis,
// and Memory.
package store

import (
	"context"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/fleet"
)

// Store is the aggregate persistence interface. Each subsystem store is
// a composable interface; a single backend implements all of them.
type Store interface {
	fleet.Store
	action.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

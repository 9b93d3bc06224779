// Package positionstore is the Driver Position Store of spec §4.B: a
// short-TTL index of per-driver position records and the cell-membership
// sets derived from them. TTL is always attached in the same write that
// sets the value — never a separate "set then expire" call — per spec
// §9's "TTL-based existence" design note.
package positionstore

import (
	"context"
	"time"

	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

// Store is the contract consumed by the Nearby-Driver Query (D), the
// Offer Manager (E) and the Ingress Adapters (G).
type Store interface {
	// Upsert writes pos under driverId with the configured TTL and
	// maintains cell membership (removing the old cell's membership
	// first if the cell changed). It also marks driverId dirty for
	// the Location Sync Worker.
	Upsert(ctx context.Context, driverID string, pos models.DriverPosition) error
	Get(ctx context.Context, driverID string) (models.DriverPosition, bool, error)
	MembersOfCells(ctx context.Context, cells []geocell.Cell) (map[string]bool, error)
	// SetConnection mutates only the connection-handle field. It must
	// not reset the record's TTL floor (spec §4.B).
	SetConnection(ctx context.Context, driverID string, handle string) error
	ClearOnDisconnect(ctx context.Context, driverID string) error

	// MarkAvailable flips isAvailable without touching position or
	// TTL; used by the Offer Manager on accept (spec §4.E step 3).
	MarkAvailable(ctx context.Context, driverID string, available bool) error

	// ActiveDirtyDriverIDs returns a snapshot of the Active-Dirty Set,
	// for introspection/tests.
	ActiveDirtyDriverIDs(ctx context.Context) ([]string, error)

	// SnapshotActiveDirty atomically moves the Active-Dirty Set into
	// the Processing Set and returns the moved ids (spec §4.F phase
	// 1). Concurrent upserts after this call land in a fresh
	// Active-Dirty Set.
	SnapshotActiveDirty(ctx context.Context) ([]string, error)
	// MergeBackToActive adds driverIDs back into the Active-Dirty Set.
	// Because the add is idempotent and a fresh Active-Dirty Set was
	// already receiving concurrent upserts since the snapshot, this
	// alone implements spec §4.F phase 4's merge policy: an id already
	// present (the driver's newer update) is left untouched, so the
	// newer value wins over the stale Processing copy being merged in.
	MergeBackToActive(ctx context.Context, driverIDs []string) error
	// ClearProcessing empties the Processing Set (phase 4, all-success).
	ClearProcessing(ctx context.Context) error
	// ProcessingDriverIDs returns the current Processing Set, used on
	// restart to detect a crashed mid-run worker (spec §4.F phase 5).
	ProcessingDriverIDs(ctx context.Context) ([]string, error)
}

// DefaultTTL is spec §3/§6's positionTtlSeconds default.
const DefaultTTL = 300 * time.Second

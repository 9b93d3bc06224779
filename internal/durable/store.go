// Package durable is the Durable Driver Record store of spec §3/§4.F:
// the long-lived driver entity (identity, license, vehicle, aggregate
// counters, verification flags, last-known position). Authoritative
// for anything non-ephemeral; the Location Sync Worker holds only
// transient write leases against it.
package durable

import (
	"context"
	"time"

	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

// PositionUpdate is the idempotent slice of a DriverRecord the Sync
// Worker persists on each run (spec §4.F phase 3): position point,
// cellId, isOnline, isAvailable. Never touches verification/blocking.
type PositionUpdate struct {
	DriverID    string
	Loc         models.Coord
	CellID      geocell.Cell
	IsOnline    bool
	IsAvailable bool
	LastSeenAt  time.Time
}

// Store is the Durable Driver Record contract.
type Store interface {
	GetDriverByID(ctx context.Context, driverID string) (models.DriverRecord, bool, error)
	FindDriverByUser(ctx context.Context, userID string) (models.DriverRecord, bool, error)
	// UpdateDriverPosition idempotently persists the position slice of
	// a driver record (spec §4.F phase 3); it never creates a new
	// record, since a driver record is provisioned at registration.
	UpdateDriverPosition(ctx context.Context, u PositionUpdate) error
	ListPendingVerifications(ctx context.Context) ([]models.DriverRecord, error)
	SetVerified(ctx context.Context, driverID string, verified bool) error
	SetBlocked(ctx context.Context, driverID string, blocked bool) error
}

// Lookup adapts a Store to the narrow nearby.DurableLookup interface
// the Nearby-Driver Query consults for its "underlying durable record
// is blocked/unverified" filter (spec §4.D step c).
type Lookup struct {
	Store Store
}

func (l Lookup) IsBlockedOrUnverified(ctx context.Context, driverID string) (blocked bool, unverified bool, err error) {
	rec, ok, err := l.Store.GetDriverByID(ctx, driverID)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return true, true, nil
	}
	return rec.IsBlocked, !rec.IsVerified, nil
}

// DriverName adapts Lookup to offer.DriverNamer, resolving the display
// name ride:accepted's payload carries (spec §6).
func (l Lookup) DriverName(ctx context.Context, driverID string) (string, error) {
	rec, ok, err := l.Store.GetDriverByID(ctx, driverID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return rec.Name, nil
}

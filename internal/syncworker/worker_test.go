package syncworker

import (
	"context"
	"testing"
	"time"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/positionstore"
)

// flakyDurableStore wraps a real durable.Store and forces
// UpdateDriverPosition to fail transiently for one chosen driver,
// leaving every other call to delegate untouched.
type flakyDurableStore struct {
	durable.Store
	failFor string
}

func (f *flakyDurableStore) UpdateDriverPosition(ctx context.Context, u durable.PositionUpdate) error {
	if u.DriverID == f.failFor {
		return apperr.New(apperr.TransientStore, "durable.UpdateDriverPosition", nil)
	}
	return f.Store.UpdateDriverPosition(ctx, u)
}

func seedDriver(t *testing.T, ds *durable.MemStore, ps *positionstore.MemStore, driverID string, lat, lng float64) {
	t.Helper()
	ds.Seed(models.DriverRecord{DriverID: driverID, UserID: "u-" + driverID, IsVerified: true})
	cell, err := geocell.CellOf(lat, lng)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	ctx := context.Background()
	if err := ps.Upsert(ctx, driverID, models.DriverPosition{
		DriverID: driverID, UserID: "u-" + driverID,
		Loc: models.Coord{Lat: lat, Lon: lng}, CellID: cell,
		LastSeenAt: time.Now(), IsOnline: true, IsAvailable: true,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestRunOnceMovesActiveDirtyIntoDurableStore(t *testing.T) {
	ctx := context.Background()
	ps := positionstore.NewMemStore(positionstore.DefaultTTL)
	ds := durable.NewMemStore()
	seedDriver(t, ds, ps, "d1", 12.97, 77.59)
	seedDriver(t, ds, ps, "d2", 12.98, 77.60)

	w := New(ps, ds, time.Hour, nil)
	w.TriggerNow(ctx)

	for _, id := range []string{"d1", "d2"} {
		rec, ok, err := ds.GetDriverByID(ctx, id)
		if err != nil || !ok {
			t.Fatalf("driver %s not found after sync: ok=%v err=%v", id, ok, err)
		}
		if rec.LastSeenAt.IsZero() {
			t.Fatalf("driver %s LastSeenAt not persisted", id)
		}
	}

	remaining, err := ps.ProcessingDriverIDs(ctx)
	if err != nil {
		t.Fatalf("ProcessingDriverIDs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected processing set empty after successful run, got %v", remaining)
	}
	active, err := ps.ActiveDirtyDriverIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveDirtyDriverIDs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected active-dirty set empty after successful run, got %v", active)
	}
}

func TestOverlappingTriggersAreSuppressed(t *testing.T) {
	ctx := context.Background()
	ps := positionstore.NewMemStore(positionstore.DefaultTTL)
	ds := durable.NewMemStore()
	seedDriver(t, ds, ps, "d1", 12.97, 77.59)

	w := New(ps, ds, time.Hour, nil)
	w.running.Store(true) // simulate a run already in flight
	w.runOnce(ctx)        // should be a no-op

	active, _ := ps.ActiveDirtyDriverIDs(ctx)
	if len(active) != 1 {
		t.Fatalf("expected the in-flight run to suppress this trigger, active-dirty still has %v", active)
	}
}

func TestNotFoundPersistIsDroppedNotMergedBack(t *testing.T) {
	ctx := context.Background()
	ps := positionstore.NewMemStore(positionstore.DefaultTTL)
	ds := durable.NewMemStore() // ghost never Seed()-ed: UpdateDriverPosition returns NotFound, dropped not merged
	cell, _ := geocell.CellOf(12.97, 77.59)
	if err := ps.Upsert(ctx, "ghost", models.DriverPosition{
		DriverID: "ghost", Loc: models.Coord{Lat: 12.97, Lon: 77.59}, CellID: cell,
		LastSeenAt: time.Now(), IsOnline: true, IsAvailable: true,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	w := New(ps, ds, time.Hour, nil)
	w.TriggerNow(ctx)

	active, err := ps.ActiveDirtyDriverIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveDirtyDriverIDs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("a not-found durable record should be dropped, not merged back; got %v", active)
	}
}

func TestTransientPersistFailureMergesBackToActiveDirty(t *testing.T) {
	ctx := context.Background()
	ps := positionstore.NewMemStore(positionstore.DefaultTTL)
	ds := durable.NewMemStore()
	seedDriver(t, ds, ps, "d1", 12.97, 77.59)
	seedDriver(t, ds, ps, "d2", 12.98, 77.60)
	flaky := &flakyDurableStore{Store: ds, failFor: "d2"}

	w := New(ps, flaky, time.Hour, nil)
	w.TriggerNow(ctx)

	active, err := ps.ActiveDirtyDriverIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveDirtyDriverIDs: %v", err)
	}
	if len(active) != 1 || active[0] != "d2" {
		t.Fatalf("expected d2 merged back after a transient persist failure, got %v", active)
	}
	remaining, err := ps.ProcessingDriverIDs(ctx)
	if err != nil {
		t.Fatalf("ProcessingDriverIDs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected processing set cleared once failures are merged back, got %v", remaining)
	}

	rec, ok, err := ds.GetDriverByID(ctx, "d1")
	if err != nil || !ok || rec.LastSeenAt.IsZero() {
		t.Fatalf("expected d1 to persist normally despite d2's failure: ok=%v err=%v", ok, err)
	}
	if _, ok, err := ds.GetDriverByID(ctx, "d2"); err != nil || !ok {
		t.Fatalf("d2's durable record should be unchanged by the failed persist attempt")
	}
}

func TestCrashRecoveryMergesProcessingBackOnStartup(t *testing.T) {
	ctx := context.Background()
	ps := positionstore.NewMemStore(positionstore.DefaultTTL)
	ds := durable.NewMemStore()
	seedDriver(t, ds, ps, "d1", 12.97, 77.59)

	// Simulate a crash mid-run: snapshot happened, but nothing persisted.
	if _, err := ps.SnapshotActiveDirty(ctx); err != nil {
		t.Fatalf("SnapshotActiveDirty: %v", err)
	}
	proc, err := ps.ProcessingDriverIDs(ctx)
	if err != nil || len(proc) != 1 {
		t.Fatalf("expected d1 stuck in processing before recovery: %v %v", proc, err)
	}

	w := New(ps, ds, time.Hour, nil)
	if err := w.recoverFromCrash(ctx); err != nil {
		t.Fatalf("recoverFromCrash: %v", err)
	}

	proc, err = ps.ProcessingDriverIDs(ctx)
	if err != nil || len(proc) != 0 {
		t.Fatalf("expected processing set cleared after recovery, got %v", proc)
	}
	active, err := ps.ActiveDirtyDriverIDs(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected d1 back in active-dirty after recovery: %v %v", active, err)
	}
}

// Package syncworker is the Location Sync Worker of spec §4.F: a
// fixed-cadence, single-in-flight migration of position updates from
// the ephemeral Driver Position Store into the Durable Driver Record
// store, with a fatal-recovery pass on startup.
package syncworker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/observability"
	"github.com/example/ridedispatch/internal/positionstore"
)

// DefaultCadence is spec §4.F/§6's default sync interval.
const DefaultCadence = 5 * time.Minute

// Status is the introspection surface spec §4.F's status() exposes.
type Status struct {
	Running      bool
	CadenceActive bool
	LastRunAt    time.Time
	LastRunErr   string
}

// Worker runs the five-phase snapshot/gather/persist/reconcile cycle.
// Grounded on the teacher's consumer loop (cmd/consumer/main.go's
// updateRedisWithRetry): same "per-item outcome tracked independently,
// failures retried by re-enqueueing" shape, generalised from a single
// Kafka message into a batch of driver ids.
type Worker struct {
	Positions positionstore.Store
	Durable   durable.Store
	Cadence   time.Duration
	Logger    *slog.Logger

	running  atomic.Bool
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	cadenceOn atomic.Bool
}

func New(positions positionstore.Store, d durable.Store, cadence time.Duration, logger *slog.Logger) *Worker {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{Positions: positions, Durable: d, Cadence: cadence, Logger: logger}
}

// Run blocks, driving the cadence ticker until ctx is cancelled. It
// performs the fatal-recovery merge (phase 5) once before the first
// tick, in case a previous process crashed mid-run.
func (w *Worker) Run(ctx context.Context) {
	if err := w.recoverFromCrash(ctx); err != nil {
		w.Logger.Error("sync worker crash-recovery merge failed", "error", err)
	}

	w.cadenceOn.Store(true)
	defer w.cadenceOn.Store(false)

	ticker := time.NewTicker(w.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// TriggerNow bypasses the cadence but still honours the single-in-flight
// guard, per spec §4.F's admin-invoked triggerNow().
func (w *Worker) TriggerNow(ctx context.Context) {
	w.runOnce(ctx)
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Running:       w.running.Load(),
		CadenceActive: w.cadenceOn.Load(),
		LastRunAt:     w.lastRun,
	}
	if w.lastErr != nil {
		s.LastRunErr = w.lastErr.Error()
	}
	return s
}

// recoverFromCrash merges any leftover Processing Set into
// Active-Dirty before the first normal run (spec §4.F phase 5).
func (w *Worker) recoverFromCrash(ctx context.Context) error {
	ids, err := w.Positions.ProcessingDriverIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	w.Logger.Warn("sync worker found a non-empty processing set on startup, merging back", "count", len(ids))
	if err := w.Positions.MergeBackToActive(ctx, ids); err != nil {
		return err
	}
	return w.Positions.ClearProcessing(ctx)
}

// runOnce is the five-phase algorithm of spec §4.F. Overlapping
// triggers are suppressed by the running flag, the only lock-protected
// section the Sync Worker needs besides the store's own atomicity
// (spec §5's "(b) the sync-worker single-in-flight guard").
func (w *Worker) runOnce(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.Logger.Debug("sync worker run already in flight, skipping trigger")
		return
	}
	defer w.running.Store(false)

	start := time.Now()
	err := w.execute(ctx)

	w.mu.Lock()
	w.lastRun = start
	w.lastErr = err
	w.mu.Unlock()

	observability.SyncRunsTotal.Inc()
	observability.SyncRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.Logger.Error("sync worker run failed", "error", err)
	}
}

func (w *Worker) execute(ctx context.Context) error {
	// Phase 1: snapshot.
	ids, err := w.Positions.SnapshotActiveDirty(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	// Phase 2: gather.
	type gathered struct {
		driverID string
		pos      models.DriverPosition
	}
	var records []gathered
	for _, driverID := range ids {
		pos, ok, err := w.Positions.Get(ctx, driverID)
		if err != nil {
			w.Logger.Error("sync worker failed to read position during gather", "driver_id", driverID, "error", err)
			w.failDriver(ctx, driverID)
			continue
		}
		if !ok {
			// Record expired between snapshot and read: nothing to
			// persist, and nothing to merge back either (spec §4.F
			// phase 2 "drop entries whose record expired").
			continue
		}
		records = append(records, gathered{driverID: driverID, pos: pos})
	}

	// Phase 3: persist, independently and in parallel.
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []string
	for _, g := range records {
		wg.Add(1)
		go func(g gathered) {
			defer wg.Done()
			update := durable.PositionUpdate{
				DriverID:    g.driverID,
				Loc:         g.pos.Loc,
				CellID:      g.pos.CellID,
				IsOnline:    g.pos.IsOnline,
				IsAvailable: g.pos.IsAvailable,
				LastSeenAt:  g.pos.LastSeenAt,
			}
			if err := w.Durable.UpdateDriverPosition(ctx, update); err != nil {
				if apperr.Is(err, apperr.NotFound) {
					// No durable record to attach to (unregistered
					// driver); nothing to retry.
					w.Logger.Warn("sync worker dropped position for unknown driver", "driver_id", g.driverID)
					return
				}
				w.Logger.Error("sync worker failed to persist driver position", "driver_id", g.driverID, "error", err)
				failedMu.Lock()
				failed = append(failed, g.driverID)
				failedMu.Unlock()
				return
			}
			observability.SyncDriversSynced.Inc()
		}(g)
	}
	wg.Wait()

	// Phase 4: reconcile.
	if len(failed) > 0 {
		observability.SyncFailuresTotal.Add(float64(len(failed)))
		if err := w.Positions.MergeBackToActive(ctx, failed); err != nil {
			return err
		}
	}
	return w.Positions.ClearProcessing(ctx)
}

// failDriver is used when even reading the position during gather
// errors out (as opposed to a clean absent/expired result); the id is
// merged straight back into Active-Dirty, the same way a failed
// persist is merged back in phase 4.
func (w *Worker) failDriver(ctx context.Context, driverID string) {
	if err := w.Positions.MergeBackToActive(ctx, []string{driverID}); err != nil {
		w.Logger.Error("sync worker failed to merge back after gather error", "driver_id", driverID, "error", err)
	}
}

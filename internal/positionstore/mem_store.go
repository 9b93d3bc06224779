package positionstore

import (
	"context"
	"sync"
	"time"

	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

type entry struct {
	pos       models.DriverPosition
	expiresAt time.Time
}

// MemStore is an in-memory Store, the in-process dual of RedisStore,
// mirroring the teacher's geo.Index/geo.RedisGeo split. It is used in
// tests and for single-process runs without a Redis dependency.
type MemStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	positions  map[string]*entry
	cellMembers map[geocell.Cell]map[string]bool
	active     map[string]bool
	processing map[string]bool
}

func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemStore{
		ttl:         ttl,
		positions:   make(map[string]*entry),
		cellMembers: make(map[geocell.Cell]map[string]bool),
		active:      make(map[string]bool),
		processing:  make(map[string]bool),
	}
}

func (m *MemStore) Upsert(ctx context.Context, driverID string, pos models.DriverPosition) error {
	cell, err := geocell.CellOf(pos.Loc.Lat, pos.Loc.Lon)
	if err != nil {
		return err
	}
	pos.CellID = cell
	if pos.LastSeenAt.IsZero() {
		pos.LastSeenAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.positions[driverID]; ok && prev.pos.CellID != cell {
		if set, ok := m.cellMembers[prev.pos.CellID]; ok {
			delete(set, driverID)
		}
	}
	m.positions[driverID] = &entry{pos: pos, expiresAt: time.Now().Add(m.ttl)}

	set, ok := m.cellMembers[cell]
	if !ok {
		set = make(map[string]bool)
		m.cellMembers[cell] = set
	}
	set[driverID] = true

	m.active[driverID] = true
	return nil
}

func (m *MemStore) getLocked(driverID string) (models.DriverPosition, bool) {
	e, ok := m.positions[driverID]
	if !ok {
		return models.DriverPosition{}, false
	}
	if time.Now().After(e.expiresAt) {
		m.expireLocked(driverID)
		return models.DriverPosition{}, false
	}
	return e.pos, true
}

func (m *MemStore) expireLocked(driverID string) {
	e, ok := m.positions[driverID]
	if !ok {
		return
	}
	if set, ok := m.cellMembers[e.pos.CellID]; ok {
		delete(set, driverID)
	}
	delete(m.positions, driverID)
}

func (m *MemStore) Get(ctx context.Context, driverID string) (models.DriverPosition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.getLocked(driverID)
	return pos, ok, nil
}

func (m *MemStore) MembersOfCells(ctx context.Context, cells []geocell.Cell) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, c := range cells {
		for id := range m.cellMembers[c] {
			if _, ok := m.getLocked(id); ok {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (m *MemStore) SetConnection(ctx context.Context, driverID string, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.positions[driverID]; ok {
		e.pos.ConnectionHandle = handle
	}
	return nil
}

func (m *MemStore) ClearOnDisconnect(ctx context.Context, driverID string) error {
	return m.SetConnection(ctx, driverID, "")
}

func (m *MemStore) MarkAvailable(ctx context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.positions[driverID]; ok {
		e.pos.IsAvailable = available
	}
	return nil
}

func (m *MemStore) ActiveDirtyDriverIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemStore) SnapshotActiveDirty(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
		m.processing[id] = true
	}
	m.active = make(map[string]bool)
	return out, nil
}

func (m *MemStore) MergeBackToActive(ctx context.Context, driverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range driverIDs {
		m.active[id] = true
	}
	return nil
}

func (m *MemStore) ClearProcessing(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processing = make(map[string]bool)
	return nil
}

func (m *MemStore) ProcessingDriverIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.processing))
	for id := range m.processing {
		out = append(out, id)
	}
	return out, nil
}

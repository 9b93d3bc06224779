package durable

import (
	"context"
	"sync"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/models"
)

// MemStore is an in-memory Store for tests, the in-process dual of
// PostgresStore.
type MemStore struct {
	mu      sync.Mutex
	drivers map[string]models.DriverRecord
	byUser  map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{drivers: make(map[string]models.DriverRecord), byUser: make(map[string]string)}
}

// Seed installs a driver record directly, for test setup.
func (s *MemStore) Seed(d models.DriverRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.DriverID] = d
	s.byUser[d.UserID] = d.DriverID
}

func (s *MemStore) GetDriverByID(ctx context.Context, driverID string) (models.DriverRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	return d, ok, nil
}

func (s *MemStore) FindDriverByUser(ctx context.Context, userID string) (models.DriverRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	driverID, ok := s.byUser[userID]
	if !ok {
		return models.DriverRecord{}, false, nil
	}
	d := s.drivers[driverID]
	return d, true, nil
}

func (s *MemStore) UpdateDriverPosition(ctx context.Context, u PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[u.DriverID]
	if !ok {
		return apperr.New(apperr.NotFound, "durable.UpdateDriverPosition", nil)
	}
	d.LastLoc = u.Loc
	d.LastCellID = u.CellID
	d.LastSeenAt = u.LastSeenAt
	s.drivers[u.DriverID] = d
	return nil
}

func (s *MemStore) ListPendingVerifications(ctx context.Context) ([]models.DriverRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DriverRecord
	for _, d := range s.drivers {
		if !d.IsVerified && !d.IsBlocked {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemStore) SetVerified(ctx context.Context, driverID string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	if !ok {
		return apperr.New(apperr.NotFound, "durable.SetVerified", nil)
	}
	d.IsVerified = verified
	s.drivers[driverID] = d
	return nil
}

func (s *MemStore) SetBlocked(ctx context.Context, driverID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	if !ok {
		return apperr.New(apperr.NotFound, "durable.SetBlocked", nil)
	}
	d.IsBlocked = blocked
	s.drivers[driverID] = d
	return nil
}

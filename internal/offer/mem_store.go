package offer

import (
	"context"
	"sync"
	"time"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/models"
)

// MemStore is an in-memory Store for tests and single-process runs,
// the in-process dual of RedisStore.
type MemStore struct {
	mu     sync.Mutex
	offers map[string]models.Offer
}

func NewMemStore() *MemStore {
	return &MemStore{offers: make(map[string]models.Offer)}
}

func (s *MemStore) Create(ctx context.Context, o models.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.OfferID] = o
	return nil
}

func (s *MemStore) Get(ctx context.Context, offerID string) (models.Offer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.liveLocked(offerID)
	return o, ok, nil
}

// liveLocked returns the offer if present and, unless it is ACCEPTED,
// not past its TTL grace window; MemStore has no Redis-style EXPIRE, so
// expiry is emulated lazily like positionstore.MemStore does. ACCEPTED
// offers are never dropped.
func (s *MemStore) liveLocked(offerID string) (models.Offer, bool) {
	o, ok := s.offers[offerID]
	if !ok {
		return models.Offer{}, false
	}
	if time.Now().After(o.ExpiresAt.Add(gracePeriod)) && o.State != models.OfferAccepted {
		delete(s.offers, offerID)
		return models.Offer{}, false
	}
	return o, true
}

// gracePeriod keeps EXPIRED offers around briefly after expiresAt so
// a driver that missed accept:success or a reconnecting rider can
// still query offer state (spec §9 open question on rider reconnect).
const gracePeriod = 60 * time.Second

func (s *MemStore) TryAccept(ctx context.Context, offerID, driverID string) (AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.liveLocked(offerID)
	if !ok {
		return AcceptResult{}, apperr.New(apperr.NotFound, "offer.TryAccept", nil)
	}
	if o.State != models.OfferOpen {
		return AcceptResult{Won: false, Offer: o}, nil
	}
	o.State = models.OfferAccepted
	o.Winner = driverID
	s.offers[offerID] = o
	return AcceptResult{Won: true, Offer: o}, nil
}

func (s *MemStore) RemoveRecipient(ctx context.Context, offerID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.liveLocked(offerID)
	if !ok {
		return apperr.New(apperr.NotFound, "offer.RemoveRecipient", nil)
	}
	delete(o.Recipients, driverID)
	s.offers[offerID] = o
	return nil
}

func (s *MemStore) Expire(ctx context.Context, offerID string) (bool, models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.liveLocked(offerID)
	if !ok {
		return false, models.Offer{}, nil
	}
	if o.State != models.OfferOpen {
		return false, o, nil
	}
	o.State = models.OfferExpired
	s.offers[offerID] = o
	return true, o, nil
}

func (s *MemStore) Cancel(ctx context.Context, offerID, riderID string) (bool, models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.liveLocked(offerID)
	if !ok {
		return false, models.Offer{}, apperr.New(apperr.NotFound, "offer.Cancel", nil)
	}
	if o.RiderID != riderID {
		return false, o, apperr.New(apperr.PreconditionFailed, "offer.Cancel", nil)
	}
	if o.State != models.OfferOpen {
		return false, o, nil
	}
	o.State = models.OfferExpired
	s.offers[offerID] = o
	return true, o, nil
}

package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/observability"
)

// Notifier is the slice of the Connection Registry the Offer Manager
// needs: best-effort delivery to an identity's current channel, if any
// (spec §4.C "delivery is best-effort fire-and-forget").
type Notifier interface {
	EmitTo(identity, event string, payload interface{}) bool
}

// PositionMarker is the slice of the Driver Position Store the Offer
// Manager needs to flip availability on accept (spec §9 open question,
// resolved: accept MUST flip availability).
type PositionMarker interface {
	MarkAvailable(ctx context.Context, driverID string, available bool) error
	Get(ctx context.Context, driverID string) (models.DriverPosition, bool, error)
}

// DriverNamer resolves a display name for ride:accepted's driverName
// field; backed by the durable store in production.
type DriverNamer interface {
	DriverName(ctx context.Context, driverID string) (string, error)
}

// Manager is the Offer Manager of spec §4.E.
type Manager struct {
	Store     Store
	Notify    Notifier
	Positions PositionMarker
	Names     DriverNamer
	TTL       time.Duration
	Logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewManager(store Store, notify Notifier, positions PositionMarker, names DriverNamer, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: store, Notify: notify, Positions: positions, Names: names, TTL: ttl, Logger: logger, timers: make(map[string]*time.Timer)}
}

// OpenOffer implements spec §4.E's openOffer. Preconditions: recipients
// is non-empty; each recipient is re-checked for online+available
// reachability even though the Nearby Query already filtered on entry
// (spec: "the manager re-checks reachability").
func (m *Manager) OpenOffer(ctx context.Context, riderID string, pickup, destination models.Coord, recipients []string, fare, distanceKm float64) (string, error) {
	if len(recipients) == 0 {
		return "", apperr.New(apperr.PreconditionFailed, "offer.OpenOffer", fmt.Errorf("no recipients"))
	}

	live := make(map[string]bool, len(recipients))
	for _, driverID := range recipients {
		pos, ok, err := m.Positions.Get(ctx, driverID)
		if err != nil {
			return "", err
		}
		if !ok || !pos.IsOnline || !pos.IsAvailable {
			continue
		}
		live[driverID] = true
	}
	if len(live) == 0 {
		return "", apperr.New(apperr.PreconditionFailed, "offer.OpenOffer", fmt.Errorf("no reachable recipients"))
	}

	now := time.Now()
	o := models.Offer{
		OfferID:     uuid.NewString(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: destination,
		Fare:        fare,
		DistanceKm:  distanceKm,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.TTL),
		Recipients:  live,
		State:       models.OfferOpen,
	}
	if err := m.Store.Create(ctx, o); err != nil {
		return "", err
	}
	observability.OffersOpened.Inc()

	payload := map[string]any{
		"offerId":     o.OfferID,
		"requestId":   o.OfferID,
		"pickup":      o.Pickup,
		"destination": o.Destination,
		"fare":        o.Fare,
		"distance":    o.DistanceKm,
		"expiresIn":   int(m.TTL.Seconds()),
	}
	for driverID := range live {
		m.Notify.EmitTo(driverID, "ride:request", payload)
	}

	m.scheduleExpiry(o.OfferID)
	return o.OfferID, nil
}

func (m *Manager) scheduleExpiry(offerID string) {
	t := time.AfterFunc(m.TTL, func() { m.expireNow(context.Background(), offerID) })
	m.mu.Lock()
	m.timers[offerID] = t
	m.mu.Unlock()
}

func (m *Manager) cancelTimer(offerID string) {
	m.mu.Lock()
	t, ok := m.timers[offerID]
	delete(m.timers, offerID)
	m.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (m *Manager) expireNow(ctx context.Context, offerID string) {
	m.cancelTimer(offerID)
	expired, o, err := m.Store.Expire(ctx, offerID)
	if err != nil {
		m.Logger.Error("offer expiry failed", "offer_id", offerID, "error", err)
		return
	}
	if !expired {
		return // already ACCEPTED or already expired: no notification, spec P2 "exactly one" expired event
	}
	observability.OffersExpired.Inc()
	m.Notify.EmitTo(o.RiderID, "ride:request:expired", map[string]any{
		"requestId": offerID,
		"message":   "no driver accepted in time",
	})
}

// AcceptOffer implements spec §4.E's acceptOffer, including the retry
// policy of spec §7 (transient_store is retried once before giving up).
func (m *Manager) AcceptOffer(ctx context.Context, offerID, driverID string) (models.Offer, error) {
	res, err := m.Store.TryAccept(ctx, offerID, driverID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			m.Notify.EmitTo(driverID, "ride:accept:failed", map[string]any{"requestId": offerID, "message": "expired_or_gone"})
			return models.Offer{}, err
		}
		res, err = m.Store.TryAccept(ctx, offerID, driverID)
		if err != nil {
			m.Logger.Error("accept failed after retry", "offer_id", offerID, "driver_id", driverID, "error", err)
			m.Notify.EmitTo(driverID, "ride:accept:failed", map[string]any{"requestId": offerID, "message": "system_unavailable"})
			return models.Offer{}, err
		}
	}

	if !res.Won {
		m.Notify.EmitTo(driverID, "ride:accept:failed", map[string]any{"requestId": offerID, "message": "taken"})
		return res.Offer, apperr.New(apperr.Conflict, "offer.AcceptOffer", fmt.Errorf("offer already %s", res.Offer.State))
	}

	m.cancelTimer(offerID)
	observability.OffersAccepted.Inc()

	// Notification failures here are logged, never rolled back: state
	// takes precedence over notification (spec §4.E failure semantics).
	if err := m.Positions.MarkAvailable(ctx, driverID, false); err != nil {
		m.Logger.Error("failed to mark driver busy after accept", "driver_id", driverID, "error", err)
	}
	driverName := ""
	if m.Names != nil {
		if name, err := m.Names.DriverName(ctx, driverID); err == nil {
			driverName = name
		}
	}
	m.Notify.EmitTo(res.Offer.RiderID, "ride:accepted", map[string]any{
		"requestId":  offerID,
		"driverId":   driverID,
		"driverName": driverName,
		"message":    "your ride has been accepted",
	})
	m.Notify.EmitTo(driverID, "ride:accept:success", map[string]any{
		"requestId":   offerID,
		"rideDetails": res.Offer,
	})
	for recipient := range res.Offer.Recipients {
		if recipient == driverID {
			continue
		}
		m.Notify.EmitTo(recipient, "ride:request:cancelled", map[string]any{
			"requestId": offerID,
			"reason":    "accepted_by_other",
		})
	}
	return res.Offer, nil
}

// RejectOffer implements spec §4.E's rejectOffer: removes driverID from
// recipients without affecting state. A rejection by the last
// remaining recipient does not early-expire the offer.
func (m *Manager) RejectOffer(ctx context.Context, offerID, driverID string) error {
	return m.Store.RemoveRecipient(ctx, offerID, driverID)
}

// CancelOffer implements spec §4.E's cancelOffer: only the originating
// rider may cancel while state=OPEN.
func (m *Manager) CancelOffer(ctx context.Context, offerID, riderID string) error {
	cancelled, o, err := m.Store.Cancel(ctx, offerID, riderID)
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}
	m.cancelTimer(offerID)
	observability.OffersCancelled.Inc()
	for recipient := range o.Recipients {
		m.Notify.EmitTo(recipient, "ride:request:cancelled", map[string]any{
			"requestId": offerID,
			"reason":    "rider_cancelled",
		})
	}
	return nil
}

// GetOfferState lets a reconnecting rider reconcile acceptance state
// that may have happened while their channel was down (spec §9 open
// question, resolved by adding this query; see SPEC_FULL.md).
func (m *Manager) GetOfferState(ctx context.Context, offerID string) (models.Offer, bool, error) {
	return m.Store.Get(ctx, offerID)
}

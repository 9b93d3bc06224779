package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ridedispatch/internal/connregistry"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/observability"
	"github.com/example/ridedispatch/internal/offer"
	"github.com/example/ridedispatch/internal/positionstore"
)

// upgrader mirrors the teacher's zero-value websocket.Upgrader; origin
// checking is left to a reverse proxy in front of this process, as in
// the teacher's deployment.
var upgrader = websocket.Upgrader{}

// Server is the Ingress/Egress Adapter of spec §4.G: it authenticates
// channels, demultiplexes inbound wire events into core calls, and
// offers an EmitTo that satisfies offer.Notifier by delegating to its
// Connection Registry.
type Server struct {
	Auth      *Authenticator
	Registry  *connregistry.Registry
	Positions positionstore.Store
	Offers    *offer.Manager
	Durable   durable.Store
	Logger    *slog.Logger
}

func NewServer(auth *Authenticator, registry *connregistry.Registry, positions positionstore.Store, offers *offer.Manager, durableStore durable.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Auth: auth, Registry: registry, Positions: positions, Offers: offers, Durable: durableStore, Logger: logger}
}

// session is the resolved identity of one connected channel for its
// whole lifetime: channelKey is what the Offer Manager's Notifier
// addresses this channel as, which is the userId for riders and the
// durable driverId for drivers (spec §3 distinguishes userId from
// driverId; the Connection Registry is keyed on whichever one the
// rest of the core actually addresses this identity by).
type session struct {
	identity   Identity
	channelKey string
	isDriver   bool
}

// HandleWS upgrades an authenticated HTTP request into a websocket
// channel and runs its read loop until disconnect (spec §4.G).
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		observability.WSAuthFailures.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess := session{identity: identity, channelKey: identity.UserID}
	if identity.Role == "driver" {
		rec, ok, err := s.Durable.FindDriverByUser(r.Context(), identity.UserID)
		if err != nil || !ok {
			http.Error(w, "unknown driver", http.StatusForbidden)
			return
		}
		if rec.IsBlocked {
			http.Error(w, "blocked", http.StatusForbidden)
			return
		}
		sess.channelKey = rec.DriverID
		sess.isDriver = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	observability.WSConnectionsTotal.Inc()

	handle := s.Registry.Attach(sess.channelKey, uuid.NewString(), conn)
	if sess.isDriver {
		if err := s.Positions.SetConnection(r.Context(), sess.channelKey, handle.ID); err != nil {
			s.Logger.Warn("failed to record connection handle", "driver_id", sess.channelKey, "error", err)
		}
	}
	s.readLoop(sess, handle)
}

func (s *Server) authenticateRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	return s.Auth.Authenticate(header)
}

// readLoop is the per-channel sequential event loop (spec §5: "one
// in-flight event per channel at a time"); one goroutine per
// connection, same shape as the teacher's ws registry but actively
// reading instead of fire-and-forget only.
func (s *Server) readLoop(sess session, handle *connregistry.Handle) {
	defer s.onDisconnect(sess, handle)

	conn := handle.Conn()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.Logger.Warn("dropping malformed inbound frame", "channel_key", sess.channelKey, "error", err)
			continue
		}
		if !s.handleFrame(context.Background(), sess, frame) {
			return
		}
	}
}

// handleFrame dispatches one inbound event and reports whether the
// channel should stay open. The inbound event set is a closed union
// (spec §9): an event name outside it is a protocol violation, not
// noise to skip, so the channel is closed rather than kept alive.
func (s *Server) handleFrame(ctx context.Context, sess session, frame inboundFrame) bool {
	if !sess.isDriver {
		// Rider channels are receive-only in this adapter: rider-
		// originated requests arrive over the HTTP query API instead
		// (spec §2's data-flow note).
		return true
	}
	switch frame.Event {
	case eventUserRegister:
		s.handleRegister(ctx, sess, frame)
	case eventLocationUpdate:
		s.handleLocationUpdate(ctx, sess, frame)
	case eventRideAccept:
		s.handleAccept(ctx, sess, frame)
	case eventRideReject:
		s.handleReject(ctx, sess, frame)
	default:
		s.Logger.Warn("closing channel for unknown inbound event", "event", frame.Event, "channel_key", sess.channelKey)
		observability.WSProtocolViolations.Inc()
		return false
	}
	return true
}

func (s *Server) handleRegister(ctx context.Context, sess session, frame inboundFrame) {
	if frame.Data.Role == "driver" && len(frame.Data.Coordinates) == 2 {
		s.upsertDriverPosition(ctx, sess, frame.Data.Coordinates, true)
	}
	s.Registry.EmitTo(sess.channelKey, "user:registered", map[string]any{"success": true, "channelId": sess.channelKey})
}

func (s *Server) handleLocationUpdate(ctx context.Context, sess session, frame inboundFrame) {
	if len(frame.Data.Coordinates) != 2 {
		return
	}
	// location:update is the steady-state TTL refresh, not an
	// availability change: preserve whatever isAvailable the driver
	// already has on record instead of forcing it false.
	available := false
	if prev, ok, err := s.Positions.Get(ctx, sess.channelKey); err == nil && ok {
		available = prev.IsAvailable
	}
	s.upsertDriverPosition(ctx, sess, frame.Data.Coordinates, available)
}

// upsertDriverPosition converts the wire [lng,lat] pair and writes a
// Position Record (spec §4.G demultiplexing driver-originated
// location traffic into a component B call).
func (s *Server) upsertDriverPosition(ctx context.Context, sess session, coords []float64, markAvailable bool) {
	pos := models.DriverPosition{
		DriverID:    sess.channelKey,
		UserID:      sess.identity.UserID,
		Loc:         models.Coord{Lon: coords[0], Lat: coords[1]},
		LastSeenAt:  time.Now(),
		IsOnline:    true,
		IsAvailable: markAvailable,
	}
	if err := s.Positions.Upsert(ctx, sess.channelKey, pos); err != nil {
		s.Logger.Error("failed to upsert driver position", "driver_id", sess.channelKey, "error", err)
	}
}

func (s *Server) handleAccept(ctx context.Context, sess session, frame inboundFrame) {
	if frame.Data.RequestID == "" {
		return
	}
	if _, err := s.Offers.AcceptOffer(ctx, frame.Data.RequestID, sess.channelKey); err != nil {
		s.Logger.Info("accept rejected", "driver_id", sess.channelKey, "offer_id", frame.Data.RequestID, "error", err)
	}
}

func (s *Server) handleReject(ctx context.Context, sess session, frame inboundFrame) {
	if frame.Data.RequestID == "" {
		return
	}
	if err := s.Offers.RejectOffer(ctx, frame.Data.RequestID, sess.channelKey); err != nil {
		s.Logger.Warn("reject failed", "driver_id", sess.channelKey, "offer_id", frame.Data.RequestID, "error", err)
	}
}

// onDisconnect releases the channel and, for drivers, clears the
// connection field while preserving position (spec §4.C: "drivers may
// reconnect and continue").
func (s *Server) onDisconnect(sess session, handle *connregistry.Handle) {
	s.Registry.Detach(sess.channelKey, handle)
	if !sess.isDriver {
		return
	}
	if err := s.Positions.ClearOnDisconnect(context.Background(), sess.channelKey); err != nil {
		s.Logger.Warn("failed to clear connection on disconnect", "driver_id", sess.channelKey, "error", err)
	}
}

// EmitTo satisfies offer.Notifier, letting the Offer Manager deliver
// outbound events through this adapter's Connection Registry.
func (s *Server) EmitTo(identity, event string, payload interface{}) bool {
	return s.Registry.EmitTo(identity, event, payload)
}

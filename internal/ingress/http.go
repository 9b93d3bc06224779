package ingress

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/nearby"
	"github.com/example/ridedispatch/internal/syncworker"
)

// HTTPServer wires the rider-facing query API and the admin surface
// onto a gorilla/mux router, in the teacher's handlers.go/Server
// shape: a struct of collaborators plus a routes() method.
type HTTPServer struct {
	Auth     *Authenticator
	WS       *Server
	Nearby   *nearby.Service
	Sync     *syncworker.Worker
	Durable  durable.Store
	MaxRings int
	Mux      *mux.Router
}

func NewHTTPServer(auth *Authenticator, ws *Server, nearbySvc *nearby.Service, sync *syncworker.Worker, durableStore durable.Store, maxRings int) *HTTPServer {
	if maxRings <= 0 {
		maxRings = 5
	}
	s := &HTTPServer{Auth: auth, WS: ws, Nearby: nearbySvc, Sync: sync, Durable: durableStore, MaxRings: maxRings, Mux: mux.NewRouter()}
	s.routes()
	return s
}

func (s *HTTPServer) routes() {
	s.Mux.HandleFunc("/ws", s.WS.HandleWS)
	s.Mux.HandleFunc("/api/v1/nearby", s.withAuth(s.handleNearby)).Methods("GET")
	s.Mux.HandleFunc("/api/v1/rides/request", s.withAuth(s.handleRideRequest)).Methods("POST")
	s.Mux.HandleFunc("/api/v1/rides/{offerId}/cancel", s.withAuth(s.handleCancel)).Methods("POST")
	s.Mux.HandleFunc("/api/v1/rides/{offerId}", s.withAuth(s.handleGetOffer)).Methods("GET")
	s.registerAdminRoutes()
	s.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.Mux.Handle("/metrics", promhttp.Handler())
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Mux.ServeHTTP(w, r) }

// withAuth re-runs the same bearer-token check the websocket upgrade
// path uses, so both ingress surfaces honour spec §4.G's "authenticates
// each incoming channel" uniformly.
func (s *HTTPServer) withAuth(next func(http.ResponseWriter, *http.Request, Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.Auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, identity)
	}
}

func (s *HTTPServer) handleNearby(w http.ResponseWriter, r *http.Request, _ Identity) {
	var req struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := decodeQueryCoords(r, &req.Lat, &req.Lng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.Nearby.FindNearby(r.Context(), req.Lat, req.Lng, models.DefaultNearbyConstraints(s.MaxRings))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRideRequest(w http.ResponseWriter, r *http.Request, identity Identity) {
	var body struct {
		Pickup      models.Coord `json:"pickup"`
		Destination models.Coord `json:"destination"`
		Fare        float64      `json:"fare"`
		DistanceKm  float64      `json:"distanceKm"`
		Recipients  []string     `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offerID, err := s.WS.Offers.OpenOffer(r.Context(), identity.UserID, body.Pickup, body.Destination, body.Recipients, body.Fare, body.DistanceKm)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"offerId": offerID})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, identity Identity) {
	offerID := mux.Vars(r)["offerId"]
	if err := s.WS.Offers.CancelOffer(r.Context(), offerID, identity.UserID); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetOffer lets a reconnecting rider reconcile offer state it
// may have missed while its channel was down (supplemented feature;
// see offer.Manager.GetOfferState).
func (s *HTTPServer) handleGetOffer(w http.ResponseWriter, r *http.Request, _ Identity) {
	offerID := mux.Vars(r)["offerId"]
	o, ok, err := s.WS.Offers.GetOfferState(r.Context(), offerID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func decodeQueryCoords(r *http.Request, lat, lng *float64) error {
	q := r.URL.Query()
	var err error
	*lat, err = parseFloatQuery(q.Get("lat"))
	if err != nil {
		return err
	}
	*lng, err = parseFloatQuery(q.Get("lng"))
	return err
}

func parseFloatQuery(v string) (float64, error) {
	if v == "" {
		return 0, apperr.New(apperr.PreconditionFailed, "ingress.parseFloatQuery", nil)
	}
	return strconv.ParseFloat(v, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppErr(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch kind {
	case apperr.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperr.Conflict:
		http.Error(w, err.Error(), http.StatusConflict)
	case apperr.PreconditionFailed:
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case apperr.AuthFailed:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

package models

import (
	"time"

	"github.com/example/ridedispatch/internal/geocell"
)

// Coord is a (lat,lng) pair used throughout the core. The wire protocol
// (spec §6) carries coordinates as [lng,lat]; adapters are responsible
// for the axis swap at the boundary.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverPosition is the ephemeral position record of spec §3. It is
// authoritative for liveness: once its TTL in the position store
// elapses, the driver disappears from every index without an explicit
// offline event.
type DriverPosition struct {
	DriverID         string       `json:"driver_id"`
	UserID           string       `json:"user_id"`
	Loc              Coord        `json:"loc"`
	CellID           geocell.Cell `json:"cell_id"`
	LastSeenAt       time.Time    `json:"last_seen_at"`
	IsOnline         bool         `json:"is_online"`
	IsAvailable      bool         `json:"is_available"`
	ConnectionHandle string       `json:"connection_handle,omitempty"`
}

// DriverRecord is the durable, long-lived driver entity of spec §3
// ("Durable Driver Record"). Authoritative for anything non-ephemeral.
type DriverRecord struct {
	DriverID   string
	UserID     string
	Name       string
	License    string
	Vehicle    string
	RideCount  int64
	Rating     float64
	IsVerified bool
	IsBlocked  bool
	LastLoc    Coord
	LastCellID geocell.Cell
	LastSeenAt time.Time
}

// OfferState is the Offer state machine's discrete states (spec §3/§4.E).
type OfferState string

const (
	OfferOpen     OfferState = "OPEN"
	OfferAccepted OfferState = "ACCEPTED"
	OfferExpired  OfferState = "EXPIRED"
)

// Offer is the dispatch invitation of spec §3. Immutable once it
// reaches ACCEPTED or EXPIRED.
type Offer struct {
	OfferID     string          `json:"offer_id"`
	RiderID     string          `json:"rider_id"`
	Pickup      Coord           `json:"pickup"`
	Destination Coord           `json:"destination"`
	Fare        float64         `json:"fare"`
	DistanceKm  float64         `json:"distance_km"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Recipients  map[string]bool `json:"recipients"`
	Winner      string          `json:"winner,omitempty"`
	State       OfferState      `json:"state"`
}

// Candidate is a driver surfaced by the Nearby-Driver Query (spec
// §4.D), annotated with the distance/ETA figures a caller ranks on.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	Loc            Coord   `json:"loc"`
	StraightLineKm float64 `json:"straight_line_km"`
	ETAMinutes     float64 `json:"eta_minutes"`
	RouteMeters    float64 `json:"route_meters,omitempty"`
}

// NearbyConstraints mirrors spec §4.D's constraints struct.
type NearbyConstraints struct {
	MaxRings      int
	MinCount      int
	OnlyOnline    bool
	OnlyAvailable bool
	OnlyVerified  bool
	OnlyUnblocked bool
}

// DefaultNearbyConstraints returns spec §4.D's documented defaults.
func DefaultNearbyConstraints(maxRings int) NearbyConstraints {
	return NearbyConstraints{
		MaxRings:      maxRings,
		MinCount:      1,
		OnlyOnline:    true,
		OnlyAvailable: true,
		OnlyVerified:  true,
		OnlyUnblocked: true,
	}
}

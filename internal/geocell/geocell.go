// Package geocell is the Geospatial Cell Codec of spec §4.A: a pure,
// stateless mapping from (lat,lng) to a hierarchical cell id, plus
// ring-expansion and distance helpers. It holds no state and must agree
// bit-for-bit with any client computing cell ids with the same
// algorithm and resolution, so server and client always land on the
// same cell for the same coordinates.
package geocell

import (
	"math"

	h3 "github.com/uber/h3-go/v4"
)

// Resolution is the fixed H3 resolution used everywhere in this
// service (spec §3: "resolution (9) is a configuration constant"). It
// is a package constant rather than a runtime config value because
// the codec must be referentially transparent for a fixed algorithm;
// a resolution change is a protocol change, not a tunable.
const Resolution = 9

// Cell is an opaque identifier for a hexagonal region at Resolution.
// Only equality and neighbour enumeration are meaningful operations;
// there is no total ordering.
type Cell = h3.Cell

// CellOf maps a coordinate to the cell id containing it.
func CellOf(lat, lng float64) (Cell, error) {
	return h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, Resolution)
}

// Neighbours returns every cell within graph distance k of center,
// inclusive (k=0 returns just center). This is the "full disk"
// variant used when a caller wants to rescan everything up to a ring
// rather than just the newest ring (spec §4.D step 2a mentions this as
// the non-optimized alternative to RingAt).
func Neighbours(center Cell, k int) ([]Cell, error) {
	if k < 0 {
		k = 0
	}
	return center.GridDisk(k)
}

// RingAt returns only the cells at graph distance exactly k from
// center, so an expanding-ring search can scan each ring once instead
// of rescanning the whole disk every iteration (spec §4.D step 2a,
// "optimization; single-ring variant ringAt(center,k) may be used").
func RingAt(center Cell, k int) ([]Cell, error) {
	if k == 0 {
		return []Cell{center}, nil
	}
	rings, err := center.GridDiskDistances(k)
	if err != nil {
		return nil, err
	}
	return rings[k], nil
}

// Haversine returns the great-circle distance between two (lat,lng)
// points in kilometres.
func Haversine(aLat, aLng, bLat, bLng float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(bLat - aLat)
	dLng := toRad(bLng - aLng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(toRad(aLat))*math.Cos(toRad(bLat))*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

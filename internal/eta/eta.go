// Package eta is the Routing Collaborator of spec §6: an external,
// best-effort service returning route duration/distance, with a
// haversine-based fallback estimator and a small TTL cache, generalised
// from the teacher's internal/eta package (which only ever returned a
// single ETA float) into the {durationSec, distanceMeters} shape named
// by spec §6.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

// Client is the interface the Nearby Query and Offer Manager use to
// get a route estimate. Failure is expected and handled by the caller
// via the fallback estimator (spec §7: "routing_unavailable ...
// fallback applied").
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (durationSec float64, distanceMeters float64, err error)
}

// Cache is a tiny in-memory TTL cache for route lookups keyed by
// coordinate pair, kept from the teacher's internal/eta.Cache.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	durationSec, distanceMeters float64
	ts                          time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (durationSec, distanceMeters float64, ok bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, found := c.store[k]
	c.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, 0, false
	}
	return e.durationSec, e.distanceMeters, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, durationSec, distanceMeters float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{durationSec: durationSec, distanceMeters: distanceMeters, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the haversine-based fallback of spec §4.D step d:
// "etaMinutes = round(straightLineKm/30*60)", generalised to an
// arbitrary assumed speed and returned in seconds to match Route's unit.
func EstimateSeconds(from, to models.Coord, assumedSpeedKmh float64) float64 {
	if assumedSpeedKmh <= 0 {
		assumedSpeedKmh = 30
	}
	km := geocell.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return km / assumedSpeedKmh * 3600.0
}

// CachedClient wraps a Client with a Cache and falls back to the
// haversine estimator on error, generalising the teacher matcher's
// inline cache-then-client-then-fallback sequence into a single
// reusable Client implementation.
type CachedClient struct {
	Inner           Client
	Cache           *Cache
	AssumedSpeedKmh float64
}

func (c *CachedClient) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	if c.Cache != nil {
		if dur, dist, ok := c.Cache.Get(from, to); ok {
			return dur, dist, nil
		}
	}
	if c.Inner != nil {
		if dur, dist, err := c.Inner.Route(ctx, from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, dur, dist)
			}
			return dur, dist, nil
		}
	}
	return EstimateSeconds(from, to, c.AssumedSpeedKmh), 0, nil
}

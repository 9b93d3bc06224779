// Package nearby implements the Nearby-Driver Query of spec §4.D: an
// expanding-ring search over the Driver Position Store, filtered by
// status and ranked by ETA then distance.
package nearby

import (
	"context"
	"math"
	"sort"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/eta"
	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/observability"
	"github.com/example/ridedispatch/internal/positionstore"
)

// DurableLookup is the slice of the durable store the query needs to
// enforce "underlying durable record is blocked/unverified" (spec
// §4.D step c). Kept narrow so tests can fake it trivially.
type DurableLookup interface {
	IsBlockedOrUnverified(ctx context.Context, driverID string) (blocked bool, unverified bool, err error)
}

// Result is the outcome of FindNearby (spec §4.D).
type Result struct {
	Candidates   []models.Candidate
	SearchRadius int
}

// Service runs the expanding-ring algorithm.
type Service struct {
	Store           positionstore.Store
	Durable         DurableLookup
	ETAClient       eta.Client
	AssumedSpeedKmh float64
}

// FindNearby implements spec §4.D's algorithm verbatim: ring 0 first,
// then rings 1..maxRings, stopping as soon as enough survivors are
// found.
func (s *Service) FindNearby(ctx context.Context, lat, lng float64, c models.NearbyConstraints) (Result, error) {
	if c.MaxRings <= 0 {
		c.MaxRings = 5
	}
	if c.MinCount <= 0 {
		c.MinCount = 1
	}

	center, err := geocell.CellOf(lat, lng)
	if err != nil {
		return Result{}, apperr.New(apperr.PermanentStore, "nearby.FindNearby", err)
	}

	var survivors []models.Candidate
	for k := 0; k <= c.MaxRings; k++ {
		ring, err := geocell.RingAt(center, k)
		if err != nil {
			return Result{}, apperr.New(apperr.PermanentStore, "nearby.FindNearby", err)
		}
		members, err := s.Store.MembersOfCells(ctx, ring)
		if err != nil {
			return Result{}, err
		}

		for driverID := range members {
			already := false
			for _, sv := range survivors {
				if sv.DriverID == driverID {
					already = true
					break
				}
			}
			if already {
				continue
			}
			cand, ok, err := s.evaluate(ctx, driverID, lat, lng, c)
			if err != nil {
				return Result{}, err
			}
			if ok {
				survivors = append(survivors, cand)
			}
		}

		if len(survivors) >= c.MinCount {
			sort.Slice(survivors, func(i, j int) bool {
				if survivors[i].ETAMinutes != survivors[j].ETAMinutes {
					return survivors[i].ETAMinutes < survivors[j].ETAMinutes
				}
				return survivors[i].StraightLineKm < survivors[j].StraightLineKm
			})
			observability.NearbySearchRadius.Observe(float64(k))
			return Result{Candidates: survivors, SearchRadius: k}, nil
		}
	}

	observability.NearbySearchRadius.Observe(float64(c.MaxRings))
	observability.NearbyEmptyTotal.Inc()
	return Result{Candidates: nil, SearchRadius: c.MaxRings}, nil
}

func (s *Service) evaluate(ctx context.Context, driverID string, lat, lng float64, c models.NearbyConstraints) (models.Candidate, bool, error) {
	pos, ok, err := s.Store.Get(ctx, driverID)
	if err != nil {
		return models.Candidate{}, false, err
	}
	if !ok {
		return models.Candidate{}, false, nil // expired between membership read and get: spec §4.D step c
	}
	if c.OnlyOnline && !pos.IsOnline {
		return models.Candidate{}, false, nil
	}
	if c.OnlyAvailable && !pos.IsAvailable {
		return models.Candidate{}, false, nil
	}
	if s.Durable != nil && (c.OnlyVerified || c.OnlyUnblocked) {
		blocked, unverified, err := s.Durable.IsBlockedOrUnverified(ctx, driverID)
		if err != nil {
			return models.Candidate{}, false, err
		}
		if c.OnlyUnblocked && blocked {
			return models.Candidate{}, false, nil
		}
		if c.OnlyVerified && unverified {
			return models.Candidate{}, false, nil
		}
	}

	straightLineKm := geocell.Haversine(lat, lng, pos.Loc.Lat, pos.Loc.Lon)
	etaMinutes, routeMeters := s.estimate(ctx, pos, lat, lng, straightLineKm)

	return models.Candidate{
		DriverID:       driverID,
		Loc:            pos.Loc,
		StraightLineKm: straightLineKm,
		ETAMinutes:     etaMinutes,
		RouteMeters:    routeMeters,
	}, true, nil
}

// estimate annotates a survivor with (etaMinutes, routeMeters), falling
// back to the haversine heuristic on routing failure (spec §4.D step d,
// §7 "routing_unavailable ... fallback applied, not an error").
func (s *Service) estimate(ctx context.Context, pos models.DriverPosition, lat, lng, straightLineKm float64) (etaMinutes, routeMeters float64) {
	if s.ETAClient != nil {
		from := models.Coord{Lat: pos.Loc.Lat, Lon: pos.Loc.Lon}
		to := models.Coord{Lat: lat, Lon: lng}
		if durSec, meters, err := s.ETAClient.Route(ctx, from, to); err == nil {
			return durSec / 60.0, meters
		}
	}
	speed := s.AssumedSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	return math.Round(straightLineKm / speed * 60.0), 0
}

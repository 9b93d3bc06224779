package eta

import (
	"context"
	"fmt"

	gmaps "googlemaps.github.io/maps"

	"github.com/example/ridedispatch/internal/models"
)

// MapsClient is a second Routing Collaborator implementation backed by
// the Google Maps Directions API, generalised from
// fweilun-Ark's internal/maps.RouteService (which returned a
// human-readable distance string) into the {durationSec, distanceMeters}
// shape this package's Client interface expects.
type MapsClient struct {
	client *gmaps.Client
}

func NewMapsClient(apiKey string) (*MapsClient, error) {
	c, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("eta: maps client: %w", err)
	}
	return &MapsClient{client: c}, nil
}

func (m *MapsClient) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	req := &gmaps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lon),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lon),
		Mode:        gmaps.TravelModeDriving,
	}
	routes, _, err := m.client.Directions(ctx, req)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, fmt.Errorf("maps: no route found")
	}
	leg := routes[0].Legs[0]
	return leg.Duration.Seconds(), float64(leg.Distance.Meters), nil
}

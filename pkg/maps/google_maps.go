package maps

import (
	"context"
	"fmt"
	"time"

	gmaps "googlemaps.github.io/maps"
)

type GoogleMapsProvider struct {
	client *gmaps.Client
}

func NewGoogleMapsProvider(apiKey string) (*GoogleMapsProvider, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return &GoogleMapsProvider{client: client}, nil
}

func (g *GoogleMapsProvider) EstimateArrival(ctx context.Context, origin, destination LatLng) (time.Duration, error) {
	request := &gmaps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%f,%f", origin.Lat, origin.Lng)},
		Destinations: []string{fmt.Sprintf("%f,%f", destination.Lat, destination.Lng)},
		Mode:         gmaps.TravelModeWalking,
	}

	response, err := g.client.DistanceMatrix(ctx, request)
	if err != nil {
		return 0, fmt.Errorf("failed to get distance matrix: %w", err)
	}

	if len(response.Rows) == 0 || len(response.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("empty distance matrix response")
	}

	element := response.Rows[0].Elements[0]
	if element.Status != "OK" {
		return 0, fmt.Errorf("distance matrix element status: %s", element.Status)
	}

	return element.Duration, nil
}

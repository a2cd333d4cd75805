package maps

import (
	"context"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ETAProvider estimates travel time between two points.
type ETAProvider interface {
	EstimateArrival(ctx context.Context, origin, destination LatLng) (time.Duration, error)
}

package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/example/carpool-ledger/internal/models"
)

// ErrMalformedRoute marks a 2xx response we could not turn into a route.
var ErrMalformedRoute = errors.New("routing: malformed route response")

// Route is a driving path between two points.
type Route struct {
	Path       []models.Coord
	DistanceKm float64
}

// Router is the interface the lifecycle engine uses to price a ride.
type Router interface {
	Route(ctx context.Context, pickup, dropoff models.Coord) (Route, error)
}

// ORSClient requests driving directions from OpenRouteService.
type ORSClient struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string, timeout time.Duration) *ORSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ORSClient{Endpoint: endpoint, APIKey: apiKey, Timeout: timeout, Client: &http.Client{}}
}

type orsRequest struct {
	Coordinates [][2]float64 `json:"coordinates"`
}

type orsResponse struct {
	Routes []struct {
		Summary struct {
			Distance float64 `json:"distance"` // meters
		} `json:"summary"`
		Geometry string `json:"geometry"`
	} `json:"routes"`
}

// Route posts {coordinates: [[lon,lat],[lon,lat]]} and decodes the first route.
// Any failure is reported as models.ErrProviderUnavailable.
func (o *ORSClient) Route(ctx context.Context, pickup, dropoff models.Coord) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	body, err := json.Marshal(orsRequest{Coordinates: [][2]float64{
		{pickup.Lon, pickup.Lat},
		{dropoff.Lon, dropoff.Lat},
	}})
	if err != nil {
		return Route{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Route{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", o.APIKey)

	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("%w: routing request: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Route{}, fmt.Errorf("%w: routing status %d: %s", models.ErrProviderUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out orsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("%w: %w: %v", models.ErrProviderUnavailable, ErrMalformedRoute, err)
	}
	return decodeRoute(out)
}

func decodeRoute(out orsResponse) (Route, error) {
	if len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("%w: %w: no routes", models.ErrProviderUnavailable, ErrMalformedRoute)
	}
	r := out.Routes[0]
	if r.Summary.Distance < 0 {
		return Route{}, fmt.Errorf("%w: %w: negative distance", models.ErrProviderUnavailable, ErrMalformedRoute)
	}
	coords, rest, err := polyline.DecodeCoords([]byte(r.Geometry))
	if err != nil || len(rest) != 0 || len(coords) < 2 {
		return Route{}, fmt.Errorf("%w: %w: bad geometry", models.ErrProviderUnavailable, ErrMalformedRoute)
	}
	path := make([]models.Coord, 0, len(coords))
	for _, c := range coords {
		if len(c) != 2 {
			return Route{}, fmt.Errorf("%w: %w: bad geometry point", models.ErrProviderUnavailable, ErrMalformedRoute)
		}
		// encoded polylines are lat,lon pairs
		path = append(path, models.Coord{Lat: c[0], Lon: c[1]})
	}
	return Route{Path: path, DistanceKm: r.Summary.Distance / 1000}, nil
}

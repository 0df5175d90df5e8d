package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/carpool-ledger/internal/models"
)

// Geocoder resolves a free-text place name to coordinates. Implementations
// return models.ErrNotFound when the provider has no match and
// models.ErrProviderUnavailable for outages, timeouts and bad responses.
type Geocoder interface {
	Resolve(ctx context.Context, place string) (models.Coord, error)
}

// NominatimGeocoder queries an OpenStreetMap Nominatim /search endpoint.
type NominatimGeocoder struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

func NewNominatimGeocoder(endpoint, userAgent string, timeout time.Duration) *NominatimGeocoder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NominatimGeocoder{Endpoint: strings.TrimRight(endpoint, "/"), UserAgent: userAgent, Timeout: timeout, Client: &http.Client{}}
}

func (n *NominatimGeocoder) Resolve(ctx context.Context, place string) (models.Coord, error) {
	place = strings.TrimSpace(place)
	if place == "" {
		return models.Coord{}, fmt.Errorf("%w: empty place name", models.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	q := url.Values{"q": {place}, "format": {"json"}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return models.Coord{}, err
	}
	// Nominatim's usage policy requires an identifying agent.
	req.Header.Set("User-Agent", n.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return models.Coord{}, fmt.Errorf("%w: geocode %q: %v", models.ErrProviderUnavailable, place, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Coord{}, fmt.Errorf("%w: geocode status %d", models.ErrProviderUnavailable, resp.StatusCode)
	}

	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Coord{}, fmt.Errorf("%w: geocode decode: %v", models.ErrProviderUnavailable, err)
	}
	if len(out) == 0 {
		return models.Coord{}, fmt.Errorf("place %q: %w", place, models.ErrNotFound)
	}
	lat, errLat := strconv.ParseFloat(out[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(out[0].Lon, 64)
	if errLat != nil || errLon != nil {
		return models.Coord{}, fmt.Errorf("%w: geocode bad coordinates %q,%q", models.ErrProviderUnavailable, out[0].Lat, out[0].Lon)
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

// GoogleGeocoder uses the Google Maps Geocoding API.
type GoogleGeocoder struct {
	client  *maps.Client
	timeout time.Duration
}

func NewGoogleGeocoder(apiKey string, timeout time.Duration) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GoogleGeocoder{client: client, timeout: timeout}, nil
}

func (g *GoogleGeocoder) Resolve(ctx context.Context, place string) (models.Coord, error) {
	place = strings.TrimSpace(place)
	if place == "" {
		return models.Coord{}, fmt.Errorf("%w: empty place name", models.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: place})
	if err != nil {
		return models.Coord{}, fmt.Errorf("%w: maps api error: %v", models.ErrProviderUnavailable, err)
	}
	if len(results) == 0 {
		return models.Coord{}, fmt.Errorf("place %q: %w", place, models.ErrNotFound)
	}
	loc := results[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lon: loc.Lng}, nil
}

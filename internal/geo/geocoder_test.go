package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/carpool-ledger/internal/models"
)

func TestNominatimResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("User-Agent") != "carpool-test" {
			t.Errorf("user agent not set")
		}
		switch r.URL.Query().Get("q") {
		case "Connaught Place, Delhi":
			_, _ = w.Write([]byte(`[{"lat":"28.6315","lon":"77.2167","display_name":"Connaught Place"}]`))
		case "nowhere at all":
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.URL, "carpool-test", time.Second)
	ctx := context.Background()

	c, err := g.Resolve(ctx, "Connaught Place, Delhi")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Lat != 28.6315 || c.Lon != 77.2167 {
		t.Fatalf("unexpected coord %+v", c)
	}

	if _, err := g.Resolve(ctx, "nowhere at all"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := g.Resolve(ctx, "boom"); !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := g.Resolve(ctx, "   "); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNominatimTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewNominatimGeocoder(srv.URL, "carpool-test", 50*time.Millisecond)
	_, err := g.Resolve(context.Background(), "slow place")
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable on timeout, got %v", err)
	}
	if errors.Is(err, models.ErrNotFound) {
		t.Fatal("timeout must not look like not found")
	}
}

type countingGeocoder struct {
	calls int
	coord models.Coord
	err   error
}

func (c *countingGeocoder) Resolve(_ context.Context, _ string) (models.Coord, error) {
	c.calls++
	return c.coord, c.err
}

func TestCachingGeocoder(t *testing.T) {
	next := &countingGeocoder{coord: models.Coord{Lat: 1, Lon: 2}}
	cache := NewMemoryCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	g := &CachingGeocoder{Next: next, Cache: cache}
	ctx := context.Background()

	for _, name := range []string{"Chandigarh, Punjab", "  chandigarh,   PUNJAB "} {
		c, err := g.Resolve(ctx, name)
		if err != nil || c != next.coord {
			t.Fatalf("resolve %q = %+v, %v", name, c, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one provider call, got %d", next.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := g.Resolve(ctx, "Chandigarh, Punjab"); err != nil {
		t.Fatal(err)
	}
	if next.calls != 2 {
		t.Fatalf("expected expired entry to refetch, calls=%d", next.calls)
	}
}

func TestCachingGeocoderDoesNotCacheFailures(t *testing.T) {
	next := &countingGeocoder{err: models.ErrNotFound}
	g := &CachingGeocoder{Next: next, Cache: NewMemoryCache(time.Minute)}
	for i := 0; i < 2; i++ {
		if _, err := g.Resolve(context.Background(), "x"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("failures must not be cached, calls=%d", next.calls)
	}
}

package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-ledger/internal/models"
)

// Cache stores resolved place names. A miss or a cache failure both send
// the lookup to the provider.
type Cache interface {
	Get(ctx context.Context, place string) (models.Coord, bool)
	Set(ctx context.Context, place string, c models.Coord)
}

func normalize(place string) string {
	return strings.ToLower(strings.Join(strings.Fields(place), " "))
}

// MemoryCache is a TTL map, used when no Redis is configured.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	c  models.Coord
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, place string) (models.Coord, bool) {
	k := normalize(place)
	m.mu.RLock()
	e, ok := m.store[k]
	m.mu.RUnlock()
	if !ok {
		return models.Coord{}, false
	}
	if m.now().Sub(e.ts) > m.ttl {
		m.mu.Lock()
		delete(m.store, k)
		m.mu.Unlock()
		return models.Coord{}, false
	}
	return e.c, true
}

func (m *MemoryCache) Set(_ context.Context, place string, c models.Coord) {
	m.mu.Lock()
	m.store[normalize(place)] = cacheEntry{c: c, ts: m.now()}
	m.mu.Unlock()
}

// RedisCache keeps resolved places in Redis hashes so several API
// processes share one cache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func placeKey(place string) string { return "geocode:" + normalize(place) }

func (r *RedisCache) Get(ctx context.Context, place string) (models.Coord, bool) {
	var c models.Coord
	vals, err := r.client.HMGet(ctx, placeKey(place), "lat", "lon").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("geocode cache read failed", "error", err)
		}
		return c, false
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return c, false
	}
	if _, err := fmt.Sscan(fmt.Sprint(vals[0]), &c.Lat); err != nil {
		return models.Coord{}, false
	}
	if _, err := fmt.Sscan(fmt.Sprint(vals[1]), &c.Lon); err != nil {
		return models.Coord{}, false
	}
	return c, true
}

func (r *RedisCache) Set(ctx context.Context, place string, c models.Coord) {
	key := placeKey(place)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{"lat": c.Lat, "lon": c.Lon})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("geocode cache write failed", "error", err)
	}
}

// CachingGeocoder consults Cache before the wrapped provider. Only
// successful resolutions are cached.
type CachingGeocoder struct {
	Next  Geocoder
	Cache Cache
}

func (c *CachingGeocoder) Resolve(ctx context.Context, place string) (models.Coord, error) {
	if coord, ok := c.Cache.Get(ctx, place); ok {
		return coord, nil
	}
	coord, err := c.Next.Resolve(ctx, place)
	if err != nil {
		return models.Coord{}, err
	}
	c.Cache.Set(ctx, place, coord)
	return coord, nil
}

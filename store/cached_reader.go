package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// CachedReader fronts a slow Reader with a short-lived in-memory cache.
// Concurrent misses for the same sensor share one lookup.
type CachedReader struct {
	source Reader
	cache  *cache.Cache
	group  singleflight.Group
}

// NewCachedReader wraps source.
//
// Parameters:
//   - source: The Reader to query on a miss
//   - ttl: How long a looked-up value is served from memory
//
// Returns:
//   - A new CachedReader
func NewCachedReader(source Reader, ttl time.Duration) *CachedReader {
	return &CachedReader{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Latest implements Reader. ErrNotFound is not cached.
func (r *CachedReader) Latest(ctx context.Context, id wire.SensorID) (wire.SensorValue, error) {
	key := id.Key()
	if val, found := r.cache.Get(key); found {
		if typed, ok := val.(wire.SensorValue); ok {
			return typed, nil
		}
	}

	val, err, _ := r.group.Do(key, func() (interface{}, error) {
		if cached, found := r.cache.Get(key); found {
			if typed, ok := cached.(wire.SensorValue); ok {
				return typed, nil
			}
		}

		fetched, err := r.source.Latest(ctx, id)
		if err != nil {
			return wire.SensorValue{}, err
		}

		r.cache.Set(key, fetched, cache.DefaultExpiration)
		return fetched, nil
	})

	if err != nil {
		return wire.SensorValue{}, err
	}

	return val.(wire.SensorValue), nil
}

// Invalidate drops the cached value of id.
func (r *CachedReader) Invalidate(id wire.SensorID) {
	r.cache.Delete(id.Key())
}

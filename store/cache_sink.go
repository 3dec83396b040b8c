package store

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// CacheSink keeps the newest value of every sensor for a bounded time window.
// Sensors that stop reporting expire after the TTL.
type CacheSink struct {
	cache *cache.Cache
	ttl   time.Duration
	// go-cache has no compare-and-swap, so newest-wins updates are serialized.
	mu sync.Mutex
}

// NewCacheSink creates a CacheSink.
//
// Parameters:
//   - ttl: How long a value is kept after its last update (cache.NoExpiration to keep forever)
//   - cleanupInterval: Interval at which expired values are purged
//
// Returns:
//   - A new CacheSink
func NewCacheSink(ttl, cleanupInterval time.Duration) *CacheSink {
	return &CacheSink{
		cache: cache.New(ttl, cleanupInterval),
		ttl:   ttl,
	}
}

// StoreRecord implements Sink.
func (s *CacheSink) StoreRecord(ctx context.Context, v wire.SensorValue) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.putLocked(v)
	s.mu.Unlock()
	return nil
}

// StoreBatch implements Sink.
func (s *CacheSink) StoreBatch(ctx context.Context, batch []wire.SensorValue) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range batch {
		s.putLocked(v)
	}

	return nil
}

func (s *CacheSink) putLocked(v wire.SensorValue) {
	key := v.SensorID.Key()
	if cur, found := s.cache.Get(key); found {
		if typed, ok := cur.(wire.SensorValue); ok && !newer(v, typed) {
			return
		}
	}

	s.cache.Set(key, v, cache.DefaultExpiration)
}

// Latest implements Reader.
func (s *CacheSink) Latest(ctx context.Context, id wire.SensorID) (wire.SensorValue, error) {
	if err := ctxErr(ctx); err != nil {
		return wire.SensorValue{}, err
	}

	if val, found := s.cache.Get(id.Key()); found {
		if typed, ok := val.(wire.SensorValue); ok {
			return typed, nil
		}
	}

	return wire.SensorValue{}, ErrNotFound
}

// Recent looks a sensor up by name.
func (s *CacheSink) Recent(ctx context.Context, name string) (wire.SensorValue, error) {
	return s.Latest(ctx, wire.NewSensorID(name))
}

// ItemCount returns the number of sensors currently held, expired entries
// not yet purged included.
func (s *CacheSink) ItemCount() int {
	return s.cache.ItemCount()
}

// Flush drops every value.
func (s *CacheSink) Flush() {
	s.cache.Flush()
}

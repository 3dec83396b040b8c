package store

import (
	"context"
	"sync/atomic"

	"github.com/cyberinferno/sensor-ingest/safemap"
	"github.com/cyberinferno/sensor-ingest/wire"
)

// MemorySink keeps the newest value of every sensor in memory. Values are
// stored by pointer so CompareAndSwap compares identity, which also holds for
// NaN readings.
type MemorySink struct {
	latest  *safemap.SafeMap[wire.SensorID, *wire.SensorValue]
	records atomic.Uint64
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{latest: safemap.NewSafeMap[wire.SensorID, *wire.SensorValue]()}
}

// StoreRecord records v unless a newer value for the same sensor is present.
func (s *MemorySink) StoreRecord(ctx context.Context, v wire.SensorValue) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.put(v)
	return nil
}

// StoreBatch stores every record of batch.
func (s *MemorySink) StoreBatch(ctx context.Context, batch []wire.SensorValue) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	for _, v := range batch {
		s.put(v)
	}

	return nil
}

func (s *MemorySink) put(v wire.SensorValue) {
	s.records.Add(1)
	next := &v
	for {
		cur, loaded := s.latest.LoadOrStore(v.SensorID, next)
		if !loaded || !newer(v, *cur) {
			return
		}

		if s.latest.CompareAndSwap(v.SensorID, cur, next) {
			return
		}
	}
}

// Latest implements Reader.
func (s *MemorySink) Latest(_ context.Context, id wire.SensorID) (wire.SensorValue, error) {
	v, ok := s.latest.Load(id)
	if !ok {
		return wire.SensorValue{}, ErrNotFound
	}

	return *v, nil
}

// Sensors returns the number of distinct sensors seen.
func (s *MemorySink) Sensors() int { return s.latest.Len() }

// Records returns the number of records stored, including superseded ones.
func (s *MemorySink) Records() uint64 { return s.records.Load() }

package store

import (
	"context"
	"sync/atomic"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// CountingSink only counts what it is given.
type CountingSink struct {
	records atomic.Uint64
	batches atomic.Uint64
}

// NewCountingSink creates an empty CountingSink.
func NewCountingSink() *CountingSink {
	return &CountingSink{}
}

// StoreRecord counts v as a batch of one.
func (s *CountingSink) StoreRecord(_ context.Context, _ wire.SensorValue) error {
	s.records.Add(1)
	s.batches.Add(1)
	return nil
}

// StoreBatch counts the batch and its records.
func (s *CountingSink) StoreBatch(_ context.Context, batch []wire.SensorValue) error {
	s.records.Add(uint64(len(batch)))
	s.batches.Add(1)
	return nil
}

// Records returns the number of records stored.
func (s *CountingSink) Records() uint64 { return s.records.Load() }

// Batches returns the number of store calls.
func (s *CountingSink) Batches() uint64 { return s.batches.Load() }

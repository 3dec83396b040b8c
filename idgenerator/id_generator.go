// Package idgenerator hands out the opaque uint32 handles that correlate
// connection handlers with their in-flight operations.
package idgenerator

import "sync/atomic"

// IdGenerator generates increasing uint32 IDs in a concurrency-safe manner.
// Zero is reserved to mean "no handle" and is never returned, including
// after the counter wraps around.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1
// (or 1 if that would be zero).
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID, skipping zero on wraparound. It is safe for
// concurrent use by multiple goroutines.
//
// Returns:
//   - The next non-zero uint32 ID
func (l *IdGenerator) Id() uint32 {
	for {
		if id := l.id.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued ID without advancing the counter.
func (l *IdGenerator) Last() uint32 {
	return l.id.Load()
}

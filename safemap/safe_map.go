// Package safemap provides a type-safe concurrent map built on sync.Map,
// used where many I/O workers update disjoint keys at once.
package safemap

import "sync"

// SafeMap is a generic wrapper around sync.Map. Keys must be comparable;
// CompareAndSwap additionally requires V to be comparable at runtime.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k and whether it was present.
//
// Returns:
//   - The value for k, or the zero value of V if absent
//   - true if the key was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it.
//
// Returns:
//   - The actual value held for k after the call
//   - true if the value was loaded, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// CompareAndSwap replaces the value for k with next only if the current value
// equals prev. V values must be comparable or the call panics.
//
// Returns:
//   - true if the swap happened
func (m *SafeMap[K, V]) CompareAndSwap(k K, prev, next V) bool {
	return m.m.CompareAndSwap(k, prev, next)
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be observed.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts entries by iterating; O(n).
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) bool {
		n++
		return true
	})

	return n
}

// Clear removes every entry.
func (m *SafeMap[K, V]) Clear() {
	m.m.Clear()
}

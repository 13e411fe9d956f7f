// Package shard provides keyed concurrency primitives: a sharded map whose
// read-modify-write operations are serialized per key, and a per-key mutex.
//
// Keys that hash to different shards never contend. Keys that share a shard
// contend only for the duration of the callback passed to Do.
package shard

import (
	"hash/maphash"
	"sync"
)

const defaultShards = 32

type bucket[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// Map is a concurrency-safe map split into independently locked shards.
type Map[V any] struct {
	seed    maphash.Seed
	buckets []*bucket[V]
}

// NewMap creates a Map with n shards. n <= 0 uses the default.
func NewMap[V any](n int) *Map[V] {
	if n <= 0 {
		n = defaultShards
	}
	m := &Map[V]{
		seed:    maphash.MakeSeed(),
		buckets: make([]*bucket[V], n),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	h := maphash.String(m.seed, key)
	return m.buckets[h%uint64(len(m.buckets))]
}

// Do runs fn with exclusive access to key. fn receives the current value and
// whether it exists, and returns the value to store. Returning keep=false
// removes the key. fn must not call back into the same Map.
func (m *Map[V]) Do(key string, fn func(cur V, ok bool) (next V, keep bool)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.items[key]
	next, keep := fn(cur, ok)
	if keep {
		b.items[key] = next
	} else if ok {
		delete(b.items, key)
	}
}

// Len returns the number of keys across all shards. The result is not a
// consistent snapshot when writers are active.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		n += len(b.items)
		b.mu.Unlock()
	}
	return n
}

// Prune removes every entry for which drop returns true.
func (m *Map[V]) Prune(drop func(key string, v V) bool) int {
	removed := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.items {
			if drop(k, v) {
				delete(b.items, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

// Package bucketmap provides a lock-striped concurrent map from StateKey to
// StateValue. The map is sharded into a fixed number of buckets, each guarded
// by its own reader/writer lock. Batch operations sort their keys by bucket so
// that every bucket involved in a batch is locked exactly once, and distinct
// buckets are processed in parallel. A worker holds at most one bucket lock at
// a time, which rules out deadlock between concurrent batches.
package bucketmap

import (
	"runtime"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
)

type bucket struct {
	mu     sync.RWMutex
	values map[storage.StateKey]storage.StateValue
}

func newBucket() *bucket {
	return &bucket{values: make(map[storage.StateKey]storage.StateValue)}
}

// Map is the sharded map. A key lives in exactly one bucket for the lifetime
// of the map; the bucket count is fixed at construction.
type Map struct {
	buckets []*bucket
}

// New creates a Map with bucketCount shards. A non-positive count defaults to
// the number of CPUs.
func New(bucketCount int) *Map {
	if bucketCount <= 0 {
		bucketCount = runtime.NumCPU()
	}
	buckets := make([]*bucket, bucketCount)
	for i := range buckets {
		buckets[i] = newBucket()
	}
	return &Map{buckets: buckets}
}

func (m *Map) bucketIndex(key storage.StateKey) int {
	return int(key.Hash() % uint64(len(m.buckets)))
}

// BucketCount returns the number of shards.
func (m *Map) BucketCount() int {
	return len(m.buckets)
}

// Find returns a copy of the value stored under key.
func (m *Map) Find(key storage.StateKey) (storage.StateValue, bool) {
	b := m.buckets[m.bucketIndex(key)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return value, ok
}

// Insert stores value under key, overwriting any previous value. It returns
// true iff the key was absent.
func (m *Map) Insert(key storage.StateKey, value storage.StateValue) bool {
	b := m.buckets[m.bucketIndex(key)]
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.values[key]
	b.values[key] = value
	return !existed
}

// Remove erases key and returns the old value if it was present.
func (m *Map) Remove(key storage.StateKey) (storage.StateValue, bool) {
	b := m.buckets[m.bucketIndex(key)]
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	if ok {
		delete(b.values, key)
	}
	return value, ok
}

// Contains reports whether key is present.
func (m *Map) Contains(key storage.StateKey) bool {
	b := m.buckets[m.bucketIndex(key)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.values[key]
	return ok
}

// Len returns the total entry count across all buckets.
func (m *Map) Len() int {
	total := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		total += len(b.values)
		b.mu.RUnlock()
	}
	return total
}

// Clear drops every entry.
func (m *Map) Clear() {
	for _, b := range m.buckets {
		b.mu.Lock()
		b.values = make(map[storage.StateKey]storage.StateValue)
		b.mu.Unlock()
	}
}

// keyAt carries a key's position in the caller's batch together with its
// bucket assignment.
type keyAt struct {
	orig        int
	bucketIndex int
}

// traverse partitions keys by bucket, then runs handler once per key with the
// owning bucket already locked. Buckets are visited in ascending index order
// within the sorted run; distinct buckets run in parallel on the shared worker
// pool. handler is called with the bucket's lock held in the requested mode.
func (m *Map) traverse(keys []storage.StateKey, exclusive bool, handler func(b *bucket, orig int)) {
	if len(keys) == 0 {
		return
	}
	sorted := make([]keyAt, len(keys))
	for i, key := range keys {
		sorted[i] = keyAt{orig: i, bucketIndex: m.bucketIndex(key)}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].bucketIndex < sorted[j].bucketIndex
	})

	runBucket := func(chunk []keyAt) {
		b := m.buckets[chunk[0].bucketIndex]
		if exclusive {
			b.mu.Lock()
			defer b.mu.Unlock()
		} else {
			b.mu.RLock()
			defer b.mu.RUnlock()
		}
		for _, entry := range chunk {
			handler(b, entry.orig)
		}
	}

	// Cut the sorted run into per-bucket chunks.
	var chunks [][]keyAt
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].bucketIndex != sorted[start].bucketIndex {
			chunks = append(chunks, sorted[start:i])
			start = i
		}
	}

	if len(chunks) == 1 {
		runBucket(chunks[0])
		return
	}

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		chunk := chunk
		wg.Add(1)
		task := func() {
			defer wg.Done()
			runBucket(chunk)
		}
		if err := ants.Submit(task); err != nil {
			// Pool exhausted or released; fall back to running inline.
			task()
		}
	}
	wg.Wait()
}

// BatchFind looks up every key and returns one slot per key, nil where the key
// is absent. Results are positional.
func (m *Map) BatchFind(keys []storage.StateKey) []*storage.StateValue {
	values := make([]*storage.StateValue, len(keys))
	m.traverse(keys, false, func(b *bucket, orig int) {
		if value, ok := b.values[keys[orig]]; ok {
			copied := value
			values[orig] = &copied
		}
	})
	return values
}

// BatchInsert stores values[i] under keys[i], overwriting existing entries.
// len(values) must equal len(keys).
func (m *Map) BatchInsert(keys []storage.StateKey, values []storage.StateValue) {
	m.traverse(keys, true, func(b *bucket, orig int) {
		b.values[keys[orig]] = values[orig]
	})
}

// BatchRemove erases every key. When returnRemoved is set, the old values are
// returned positionally, nil where the key was absent.
func (m *Map) BatchRemove(keys []storage.StateKey, returnRemoved bool) []*storage.StateValue {
	var removed []*storage.StateValue
	if returnRemoved {
		removed = make([]*storage.StateValue, len(keys))
	}
	m.traverse(keys, true, func(b *bucket, orig int) {
		value, ok := b.values[keys[orig]]
		if !ok {
			return
		}
		if returnRemoved {
			copied := value
			removed[orig] = &copied
		}
		delete(b.values, keys[orig])
	})
	return removed
}

// Package memory implements a single-layer in-memory storage over either a
// lock-striped bucket map (concurrent variant) or a plain map (single-owner
// variant). Orthogonal attributes select an ordered index for range scans and
// tombstone-based logical deletion.
package memory

import (
	"sync"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/errors"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/bucketmap"
)

// Attribute selects construction-time behavior of a MemoryStorage.
type Attribute uint8

const (
	// Ordered maintains a balanced-tree index so the storage supports range
	// scans in key order.
	Ordered Attribute = 1 << iota
	// LogicalDeletion makes RemoveSome store a tombstone instead of erasing,
	// so that this layer can shadow entries of lower layers.
	LogicalDeletion
	// Concurrent selects the bucketed backend, safe for parallel batches. The
	// plain variant is for single-owner layers (one mutable layer per view).
	Concurrent
)

// MemoryStorage is a single storage layer. The concurrent variant is used for
// the shared backend; mutable layers owned by one view use the plain variant.
type MemoryStorage struct {
	attrs   Attribute
	buckets *bucketmap.Map

	mu    sync.RWMutex
	plain map[storage.StateKey]storage.StateValue
	index *llrb.LLRB
}

type keyItem storage.StateKey

func (item keyItem) Less(than llrb.Item) bool {
	return storage.StateKey(item).Less(storage.StateKey(than.(keyItem)))
}

// New creates a MemoryStorage with the given attributes. bucketCount only
// matters for the Concurrent variant; non-positive values pick a default.
func New(attrs Attribute, bucketCount int) *MemoryStorage {
	s := &MemoryStorage{attrs: attrs}
	if attrs&Concurrent != 0 {
		s.buckets = bucketmap.New(bucketCount)
	} else {
		s.plain = make(map[storage.StateKey]storage.StateValue)
	}
	if attrs&Ordered != 0 {
		s.index = llrb.New()
	}
	return s
}

func (s *MemoryStorage) ordered() bool {
	return s.attrs&Ordered != 0
}

func (s *MemoryStorage) logicalDeletion() bool {
	return s.attrs&LogicalDeletion != 0
}

func (s *MemoryStorage) concurrent() bool {
	return s.attrs&Concurrent != 0
}

// ReadSome returns one slot per key, nil where absent. Tombstones are
// surfaced, not masked: layered readers need them to stop the fallthrough.
func (s *MemoryStorage) ReadSome(keys []storage.StateKey) ([]*storage.StateValue, error) {
	if s.concurrent() {
		return s.buckets.BatchFind(keys), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]*storage.StateValue, len(keys))
	for i, key := range keys {
		if value, ok := s.plain[key]; ok {
			copied := value
			values[i] = &copied
		}
	}
	return values, nil
}

// WriteSome stores values[i] under keys[i]. A value whose status is Deleted is
// stored verbatim as a tombstone; this is how layer merges carry deletions
// upward.
func (s *MemoryStorage) WriteSome(keys []storage.StateKey, values []storage.StateValue) error {
	if len(keys) != len(values) {
		return errors.Annotatef(storage.ErrInvariantViolation,
			"write batch length mismatch: %d keys, %d values", len(keys), len(values))
	}
	if s.concurrent() {
		s.buckets.BatchInsert(keys, values)
		if s.ordered() {
			s.mu.Lock()
			for _, key := range keys {
				s.index.ReplaceOrInsert(keyItem(key))
			}
			s.mu.Unlock()
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range keys {
		s.plain[key] = values[i]
		if s.ordered() {
			s.index.ReplaceOrInsert(keyItem(key))
		}
	}
	return nil
}

// RemoveSome deletes every key: logically (tombstone) when the storage has
// LogicalDeletion, physically otherwise. Removing an absent key is a no-op in
// the physical variant and still records a tombstone in the logical one.
func (s *MemoryStorage) RemoveSome(keys []storage.StateKey) error {
	if s.logicalDeletion() {
		tombstones := make([]storage.StateValue, len(keys))
		for i := range tombstones {
			tombstones[i] = storage.Tombstone()
		}
		return s.WriteSome(keys, tombstones)
	}
	if s.concurrent() {
		s.buckets.BatchRemove(keys, false)
		if s.ordered() {
			s.mu.Lock()
			for _, key := range keys {
				s.index.Delete(keyItem(key))
			}
			s.mu.Unlock()
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.plain, key)
		if s.ordered() {
			s.index.Delete(keyItem(key))
		}
	}
	return nil
}

// Len returns the entry count, tombstones included.
func (s *MemoryStorage) Len() int {
	if s.concurrent() {
		return s.buckets.Len()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plain)
}

// get returns the value for one key without copying.
func (s *MemoryStorage) get(key storage.StateKey) (storage.StateValue, bool) {
	if s.concurrent() {
		return s.buckets.Find(key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.plain[key]
	return value, ok
}

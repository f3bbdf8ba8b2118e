package scheduler

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
)

// ReadWriteSetStorage wraps a storage and records every key an executor
// touches, classified as read or write. The two sets are disjoint: a key that
// is both read and written counts only as a write. The wrapper is owned by a
// single transaction's goroutine until the commit walk inspects it, so the
// sets are deliberately not thread-safe.
type ReadWriteSetStorage struct {
	inner  storage.Storage
	reads  mapset.Set[storage.StateKey]
	writes mapset.Set[storage.StateKey]
}

func NewReadWriteSetStorage(inner storage.Storage) *ReadWriteSetStorage {
	return &ReadWriteSetStorage{
		inner:  inner,
		reads:  mapset.NewThreadUnsafeSet[storage.StateKey](),
		writes: mapset.NewThreadUnsafeSet[storage.StateKey](),
	}
}

func (s *ReadWriteSetStorage) ReadSome(keys []storage.StateKey) ([]*storage.StateValue, error) {
	for _, key := range keys {
		if !s.writes.Contains(key) {
			s.reads.Add(key)
		}
	}
	return s.inner.ReadSome(keys)
}

func (s *ReadWriteSetStorage) WriteSome(keys []storage.StateKey, values []storage.StateValue) error {
	s.recordWrites(keys)
	return s.inner.WriteSome(keys, values)
}

func (s *ReadWriteSetStorage) RemoveSome(keys []storage.StateKey) error {
	s.recordWrites(keys)
	return s.inner.RemoveSome(keys)
}

func (s *ReadWriteSetStorage) recordWrites(keys []storage.StateKey) {
	for _, key := range keys {
		s.writes.Add(key)
		s.reads.Remove(key)
	}
}

// ReadSet returns the recorded read keys.
func (s *ReadWriteSetStorage) ReadSet() []storage.StateKey {
	return s.reads.ToSlice()
}

// WriteSet returns the recorded write keys.
func (s *ReadWriteSetStorage) WriteSet() []storage.StateKey {
	return s.writes.ToSlice()
}

// ConflictsWith reports whether this transaction conflicts with the already
// accepted accesses: a WAW, WAR, or RAW pair between the two.
func (s *ReadWriteSetStorage) ConflictsWith(accepted *AccessSet) bool {
	return setsIntersect(s.writes, accepted.writes) ||
		setsIntersect(s.writes, accepted.reads) ||
		setsIntersect(s.reads, accepted.writes)
}

// AccessSet accumulates the read and write sets of the transactions already
// committed during one chunk walk.
type AccessSet struct {
	reads  mapset.Set[storage.StateKey]
	writes mapset.Set[storage.StateKey]
}

func NewAccessSet() *AccessSet {
	return &AccessSet{
		reads:  mapset.NewThreadUnsafeSet[storage.StateKey](),
		writes: mapset.NewThreadUnsafeSet[storage.StateKey](),
	}
}

// Merge folds one transaction's accesses into the accumulated set.
func (a *AccessSet) Merge(rw *ReadWriteSetStorage) {
	a.reads = a.reads.Union(rw.reads)
	a.writes = a.writes.Union(rw.writes)
}

// setsIntersect walks the smaller set probing the larger one.
func setsIntersect(a, b mapset.Set[storage.StateKey]) bool {
	if a.Cardinality() > b.Cardinality() {
		a, b = b, a
	}
	found := false
	a.Each(func(key storage.StateKey) bool {
		if b.Contains(key) {
			found = true
			return true // stop
		}
		return false
	})
	return found
}

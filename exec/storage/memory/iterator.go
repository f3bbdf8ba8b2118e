package memory

import (
	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/errors"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
)

// NewIterator returns an iterator over live entries in ascending key order,
// starting at the first key >= start (or the smallest key when start is nil).
// Tombstones are skipped. Only Ordered storages support iteration.
func (s *MemoryStorage) NewIterator(start *storage.StateKey) (storage.Iterator, error) {
	if !s.ordered() {
		return nil, errors.Annotate(storage.ErrInvariantViolation, "range scan on unordered storage")
	}
	it := &memIter{store: s}
	if start != nil {
		it.seek(*start)
	} else {
		s.mu.RLock()
		min := s.index.Min()
		s.mu.RUnlock()
		if min != nil {
			it.current = storage.StateKey(min.(keyItem))
			it.valid = true
		}
	}
	it.skipTombstones()
	return it, nil
}

// memIter steps through the llrb index one key at a time. Each step re-seeks
// past the current key, so the iterator stays valid across writes to other
// keys.
type memIter struct {
	store   *MemoryStorage
	current storage.StateKey
	value   storage.StateValue
	valid   bool
}

func (it *memIter) seek(key storage.StateKey) {
	it.valid = false
	it.store.mu.RLock()
	it.store.index.AscendGreaterOrEqual(keyItem(key), func(item llrb.Item) bool {
		it.current = storage.StateKey(item.(keyItem))
		it.valid = true
		return false
	})
	it.store.mu.RUnlock()
}

// skipTombstones advances past logically deleted entries and loads the value
// for the current key.
func (it *memIter) skipTombstones() {
	for it.valid {
		value, ok := it.store.get(it.current)
		if ok && !value.Deleted() {
			it.value = value
			return
		}
		it.step()
	}
}

func (it *memIter) step() {
	prev := it.current
	it.valid = false
	it.store.mu.RLock()
	first := true
	it.store.index.AscendGreaterOrEqual(keyItem(prev), func(item llrb.Item) bool {
		if first && storage.StateKey(item.(keyItem)) == prev {
			first = false
			return true
		}
		it.current = storage.StateKey(item.(keyItem))
		it.valid = true
		return false
	})
	it.store.mu.RUnlock()
}

func (it *memIter) Valid() bool {
	return it.valid
}

func (it *memIter) Next() {
	it.step()
	it.skipTombstones()
}

func (it *memIter) Key() storage.StateKey {
	return it.current
}

func (it *memIter) Value() storage.StateValue {
	return it.value
}

func (it *memIter) Close() {}

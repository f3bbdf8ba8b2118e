// Package storage defines the key/value model shared by every storage layer of
// the execution engine: plain in-memory stores, the layered view used for
// speculative execution, and pluggable disk backends. All operations are
// batched; the single-key helpers below are shorthands over the batch path.
package storage

// Storage is the capability every layer implements. ReadSome returns one slot
// per input key, nil where the key is absent. Implementations that support
// logical deletion surface tombstones to their callers; masking a tombstone as
// "absent" is the job of the layered view, which needs the distinction to stop
// the fallthrough.
type Storage interface {
	ReadSome(keys []StateKey) ([]*StateValue, error)
	WriteSome(keys []StateKey, values []StateValue) error
	RemoveSome(keys []StateKey) error
}

// Iterator walks entries of an ordered storage in ascending key order.
type Iterator interface {
	Valid() bool
	Next()
	Key() StateKey
	Value() StateValue
	Close()
}

// Ranger is implemented by ordered storages.
type Ranger interface {
	// NewIterator positions an iterator at the first key >= start, or at the
	// smallest key when start is nil.
	NewIterator(start *StateKey) (Iterator, error)
}

// ReadOne reads a single key through the batch path.
func ReadOne(s Storage, key StateKey) (*StateValue, error) {
	values, err := s.ReadSome([]StateKey{key})
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// WriteOne writes a single key through the batch path.
func WriteOne(s Storage, key StateKey, value StateValue) error {
	return s.WriteSome([]StateKey{key}, []StateValue{value})
}

// RemoveOne removes a single key through the batch path.
func RemoveOne(s Storage, key StateKey) error {
	return s.RemoveSome([]StateKey{key})
}

// ExistsOne reports whether key maps to a live (non-tombstone) value.
func ExistsOne(s Storage, key StateKey) (bool, error) {
	value, err := ReadOne(s, key)
	if err != nil {
		return false, err
	}
	return value != nil && !value.Deleted(), nil
}

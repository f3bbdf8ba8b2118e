package layered

import (
	"github.com/pingcap/errors"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/memory"
)

// View is a workspace over the layer stack for one execution attempt. It is
// single-owner: the scheduler holds it for a block and must not share it
// across goroutines without external synchronization. Reads visit the mutable
// layer, then each immutable layer newest-first, then the backend; the first
// hit wins, and a tombstone hit is reported as absent to the caller.
type View struct {
	mutable     *memory.MemoryStorage
	immutables  []*memory.MemoryStorage // [0] = newest
	backend     storage.Storage
	baseVersion int64
}

// NewMutable installs an empty mutable layer on top of the view. It must be
// called before any write. Calling it twice keeps the existing layer.
func (v *View) NewMutable() {
	if v.mutable == nil {
		v.mutable = memory.New(memory.Ordered|memory.LogicalDeletion, 0)
	}
}

// HasMutable reports whether a mutable layer is installed.
func (v *View) HasMutable() bool {
	return v.mutable != nil
}

// MutableLayer exposes the mutable layer, nil when none is installed.
func (v *View) MutableLayer() *memory.MemoryStorage {
	return v.mutable
}

// Fork creates a child view for one speculative execution. The child reads
// through the parent's mutable layer (frozen from the child's perspective)
// and everything below it; its own writes stay in its own mutable layer until
// the scheduler merges them back with MergeFrom.
func (v *View) Fork() *View {
	immutables := make([]*memory.MemoryStorage, 0, len(v.immutables)+1)
	if v.mutable != nil {
		immutables = append(immutables, v.mutable)
	}
	immutables = append(immutables, v.immutables...)
	return &View{
		immutables:  immutables,
		backend:     v.backend,
		baseVersion: v.baseVersion,
	}
}

// ReadSome reads every key through the layer stack. The result is positional;
// absent keys and keys shadowed by a tombstone yield nil.
func (v *View) ReadSome(keys []storage.StateKey) ([]*storage.StateValue, error) {
	results := make([]*storage.StateValue, len(keys))
	pending := make([]int, 0, len(keys))
	for i := range keys {
		pending = append(pending, i)
	}

	layers := make([]storage.Storage, 0, len(v.immutables)+1)
	if v.mutable != nil {
		layers = append(layers, v.mutable)
	}
	for _, layer := range v.immutables {
		layers = append(layers, layer)
	}

	var err error
	for _, layer := range layers {
		if len(pending) == 0 {
			break
		}
		pending, err = readLayer(layer, keys, results, pending)
		if err != nil {
			return nil, err
		}
	}
	if len(pending) > 0 && v.backend != nil {
		if _, err = readLayer(v.backend, keys, results, pending); err != nil {
			return nil, &storage.BackendError{Cause: err}
		}
	}

	// Tombstones stop the fallthrough above; mask them here.
	for i, value := range results {
		if value != nil && value.Deleted() {
			results[i] = nil
		}
	}
	return results, nil
}

// readLayer reads the still-pending keys from one layer, fills results, and
// returns the indexes that remain unresolved.
func readLayer(layer storage.Storage, keys []storage.StateKey, results []*storage.StateValue, pending []int) ([]int, error) {
	layerKeys := make([]storage.StateKey, len(pending))
	for i, idx := range pending {
		layerKeys[i] = keys[idx]
	}
	values, err := layer.ReadSome(layerKeys)
	if err != nil {
		return nil, err
	}
	var still []int
	for i, idx := range pending {
		if values[i] != nil {
			results[idx] = values[i]
		} else {
			still = append(still, idx)
		}
	}
	return still, nil
}

// WriteSome writes to the mutable layer.
func (v *View) WriteSome(keys []storage.StateKey, values []storage.StateValue) error {
	if v.mutable == nil {
		return errors.WithStack(storage.ErrMissingMutableLayer)
	}
	return v.mutable.WriteSome(keys, values)
}

// RemoveSome records tombstones in the mutable layer so lower layers stay
// shadowed.
func (v *View) RemoveSome(keys []storage.StateKey) error {
	if v.mutable == nil {
		return errors.WithStack(storage.ErrMissingMutableLayer)
	}
	return v.mutable.RemoveSome(keys)
}

// MergeFrom folds the given keys of a child's mutable layer into this view's
// mutable layer, tombstones included. The scheduler calls this to commit an
// accepted transaction's writes.
func (v *View) MergeFrom(child *View, keys []storage.StateKey) error {
	if len(keys) == 0 {
		return nil
	}
	if v.mutable == nil {
		return errors.WithStack(storage.ErrMissingMutableLayer)
	}
	if child.mutable == nil {
		return errors.Annotate(storage.ErrInvariantViolation, "merge from view without mutable layer")
	}
	values, err := child.mutable.ReadSome(keys)
	if err != nil {
		return err
	}
	merged := make([]storage.StateValue, len(keys))
	for i, value := range values {
		if value == nil {
			return errors.Annotatef(storage.ErrInvariantViolation,
				"write set key %s missing from speculative layer", keys[i])
		}
		merged[i] = *value
	}
	return v.mutable.WriteSome(keys, merged)
}

// Package layered implements the storage stack used by block execution: a
// read-only backend at the bottom, a deque of immutable layers above it, and
// at most one mutable layer on top of each forked view. Reads fall through
// the stack top-down; writes always target the view's mutable layer.
package layered

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/memory"
)

// MultiLayerStorage owns the immutable layer deque. The mutex guards only the
// stack operations (Fork, PushView, PopFront, FrontStorage, LayerCount); it is
// never held across reads, which go through forked views and touch immutable
// data only.
type MultiLayerStorage struct {
	mu         sync.Mutex
	immutables []*memory.MemoryStorage // [0] = newest
	backend    storage.Storage
	version    atomic.Int64
}

func New(backend storage.Storage) *MultiLayerStorage {
	return &MultiLayerStorage{backend: backend}
}

// Fork snapshots the current layer stack into a view. Layers are shared by
// reference; they are immutable, so no copying is needed. The new view has no
// mutable layer.
func (m *MultiLayerStorage) Fork() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	immutables := make([]*memory.MemoryStorage, len(m.immutables))
	copy(immutables, m.immutables)
	return &View{
		immutables:  immutables,
		backend:     m.backend,
		baseVersion: m.version.Load(),
	}
}

// PushView promotes the view's mutable layer to an immutable layer at the
// front of the deque. It fails with ErrConcurrentModification when the stack
// changed since the view was forked. A view without a mutable layer pushes
// nothing.
func (m *MultiLayerStorage) PushView(v *View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.baseVersion != m.version.Load() {
		return errors.Annotatef(storage.ErrConcurrentModification,
			"view forked at version %d, storage at %d", v.baseVersion, m.version.Load())
	}
	if v.mutable == nil {
		return nil
	}
	m.immutables = append([]*memory.MemoryStorage{v.mutable}, m.immutables...)
	v.mutable = nil
	m.version.Inc()
	return nil
}

// FrontStorage returns the newest immutable layer, or nil when the stack is
// empty. Used by the committer to seed initial state and by tests.
func (m *MultiLayerStorage) FrontStorage() *memory.MemoryStorage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.immutables) == 0 {
		return nil
	}
	return m.immutables[0]
}

// PopFront discards the newest immutable layer. Only used during rollback.
func (m *MultiLayerStorage) PopFront() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.immutables) == 0 {
		return
	}
	m.immutables = m.immutables[1:]
	m.version.Inc()
}

// LayerCount returns the immutable layer count.
func (m *MultiLayerStorage) LayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.immutables)
}

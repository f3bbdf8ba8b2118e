package bucketmap

import (
	"sort"

	"github.com/zhangyunhao116/fastrand"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
)

// rangeIter walks buckets cyclically from a start index, yielding every entry
// of each bucket before moving to the next. Each bucket is snapshotted under
// its read lock when the iterator reaches it, so a bucket's entries appear as
// one atomic section; across buckets there is no consistency guarantee.
type rangeIter struct {
	m       *Map
	next    int // next bucket to load
	visited int // buckets loaded so far
	keys    []storage.StateKey
	values  []storage.StateValue
	pos     int
}

// NewIterator starts a cyclic walk at bucket startIndex.
func (m *Map) NewIterator(startIndex int) storage.Iterator {
	it := &rangeIter{m: m, next: startIndex % len(m.buckets)}
	it.advance()
	return it
}

// NewRandomIterator starts the walk at a random bucket, spreading concurrent
// full scans over different shards.
func (m *Map) NewRandomIterator() storage.Iterator {
	return m.NewIterator(int(fastrand.Uint32n(uint32(len(m.buckets)))))
}

// advance loads buckets until one yields entries or all have been visited.
func (it *rangeIter) advance() {
	it.keys = it.keys[:0]
	it.values = it.values[:0]
	it.pos = 0
	for len(it.keys) == 0 && it.visited < len(it.m.buckets) {
		b := it.m.buckets[it.next]
		it.next = (it.next + 1) % len(it.m.buckets)
		it.visited++

		b.mu.RLock()
		for key, value := range b.values {
			it.keys = append(it.keys, key)
			it.values = append(it.values, value)
		}
		b.mu.RUnlock()

		// Map iteration order is random; fix an order inside the bucket so
		// repeated scans of an unchanged bucket agree.
		if len(it.keys) > 1 {
			ordered := make([]int, len(it.keys))
			for i := range ordered {
				ordered[i] = i
			}
			sort.Slice(ordered, func(a, b int) bool {
				return it.keys[ordered[a]].Less(it.keys[ordered[b]])
			})
			keys := make([]storage.StateKey, len(it.keys))
			values := make([]storage.StateValue, len(it.values))
			for i, idx := range ordered {
				keys[i] = it.keys[idx]
				values[i] = it.values[idx]
			}
			it.keys, it.values = keys, values
		}
	}
}

func (it *rangeIter) Valid() bool {
	return it.pos < len(it.keys)
}

func (it *rangeIter) Next() {
	it.pos++
	if it.pos >= len(it.keys) {
		it.advance()
	}
}

func (it *rangeIter) Key() storage.StateKey {
	return it.keys[it.pos]
}

func (it *rangeIter) Value() storage.StateValue {
	return it.values[it.pos]
}

func (it *rangeIter) Close() {}

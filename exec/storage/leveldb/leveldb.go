// Package leveldb adapts a goleveldb database to the storage capability, for
// use as the backend at the bottom of the layer stack. The backend is
// read-only from the scheduler's point of view for the duration of a block;
// writes happen when committed layers are collapsed into it. Tombstones are
// not stored: the backend deletes physically.
package leveldb

import (
	"github.com/pingcap/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/util/codec"
)

// Store implements storage.Storage and storage.Ranger over a LevelDB
// database. State keys are flattened with the memcomparable codec, so
// LevelDB's byte order equals the (table, row) order of the in-memory layers.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if needed) a LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "open leveldb at %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

func (s *Store) ReadSome(keys []storage.StateKey) ([]*storage.StateValue, error) {
	values := make([]*storage.StateValue, len(keys))
	for i, key := range keys {
		data, err := s.db.Get(codec.EncodeStateKey(key.Table, key.Row), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Annotatef(err, "read %s", key)
		}
		values[i] = &storage.StateValue{Data: data}
	}
	return values, nil
}

func (s *Store) WriteSome(keys []storage.StateKey, values []storage.StateValue) error {
	if len(keys) != len(values) {
		return errors.Annotatef(storage.ErrInvariantViolation,
			"write batch length mismatch: %d keys, %d values", len(keys), len(values))
	}
	batch := new(leveldb.Batch)
	for i, key := range keys {
		if values[i].Deleted() {
			batch.Delete(codec.EncodeStateKey(key.Table, key.Row))
			continue
		}
		batch.Put(codec.EncodeStateKey(key.Table, key.Row), values[i].Data)
	}
	return errors.WithStack(s.db.Write(batch, nil))
}

func (s *Store) RemoveSome(keys []storage.StateKey) error {
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete(codec.EncodeStateKey(key.Table, key.Row))
	}
	return errors.WithStack(s.db.Write(batch, nil))
}

// NewIterator iterates entries in ascending (table, row) order starting at
// the first key >= start.
func (s *Store) NewIterator(start *storage.StateKey) (storage.Iterator, error) {
	var slice *util.Range
	if start != nil {
		slice = &util.Range{Start: codec.EncodeStateKey(start.Table, start.Row)}
	}
	it := &ldbIter{inner: s.db.NewIterator(slice, nil)}
	it.valid = it.inner.First()
	it.load()
	return it, nil
}

type ldbIter struct {
	inner iterator.Iterator
	valid bool
	key   storage.StateKey
	value storage.StateValue
	err   error
}

func (it *ldbIter) load() {
	if !it.valid {
		return
	}
	table, row, err := codec.DecodeStateKey(it.inner.Key())
	if err != nil {
		it.valid = false
		it.err = err
		return
	}
	it.key = storage.StateKey{Table: table, Row: row}
	data := make([]byte, len(it.inner.Value()))
	copy(data, it.inner.Value())
	it.value = storage.StateValue{Data: data}
}

func (it *ldbIter) Valid() bool {
	return it.valid
}

func (it *ldbIter) Next() {
	it.valid = it.inner.Next()
	it.load()
}

func (it *ldbIter) Key() storage.StateKey {
	return it.key
}

func (it *ldbIter) Value() storage.StateValue {
	return it.value
}

func (it *ldbIter) Close() {
	it.inner.Release()
}

package storage

import (
	"github.com/dgryski/go-farm"
)

// StateKey identifies a single entry in the ledger state. State is organized
// into tables (one per contract or system facility) with string row keys
// inside each table. StateKeys are value types and safe to use as map keys.
type StateKey struct {
	Table string
	Row   string
}

func NewStateKey(table, row string) StateKey {
	return StateKey{Table: table, Row: row}
}

// Less orders keys lexicographically by table, then by row.
func (k StateKey) Less(other StateKey) bool {
	if k.Table != other.Table {
		return k.Table < other.Table
	}
	return k.Row < other.Row
}

func (k StateKey) String() string {
	return k.Table + ":" + k.Row
}

// Hash returns a stable 64-bit hash over the (table, row) pair. The zero byte
// separator keeps ("ab","c") and ("a","bc") from colliding trivially.
func (k StateKey) Hash() uint64 {
	buf := make([]byte, 0, len(k.Table)+len(k.Row)+1)
	buf = append(buf, k.Table...)
	buf = append(buf, 0)
	buf = append(buf, k.Row...)
	return farm.Hash64(buf)
}

// ValueStatus tags a StateValue as live or logically deleted. Tombstones are
// first-class values so that an upper storage layer can shadow an entry that
// still exists in a lower layer.
type ValueStatus uint8

const (
	StatusNormal ValueStatus = iota
	StatusDeleted
)

// StateValue is the payload stored under a StateKey.
type StateValue struct {
	Data   []byte
	Status ValueStatus
}

func NewStateValue(data []byte) StateValue {
	return StateValue{Data: data}
}

// Tombstone returns the sentinel value recording a logical deletion.
func Tombstone() StateValue {
	return StateValue{Status: StatusDeleted}
}

func (v StateValue) Deleted() bool {
	return v.Status == StatusDeleted
}

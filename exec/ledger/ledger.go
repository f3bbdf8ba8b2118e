// Package ledger holds the protocol types the scheduler passes between the
// caller and the transaction executor. The scheduler itself never inspects
// transaction inputs or receipt contents; it only routes them.
package ledger

// BlockHeader carries the fields an executor may need while applying a
// transaction.
type BlockHeader struct {
	Number    uint64
	Timestamp uint64
	GasLimit  uint64
}

// Transaction is one ordered unit of work in a block.
type Transaction struct {
	Hash  string
	Input []byte
}

// Receipt is the outcome of one transaction. Receipts are returned
// positionally, one per input transaction.
type Receipt struct {
	ContextID int32
	Status    uint32
	GasUsed   uint64
	Output    []byte
}

// LedgerConfig carries chain-level execution parameters.
type LedgerConfig struct {
	BlockGasLimit uint64
}

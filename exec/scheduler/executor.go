package scheduler

import (
	"github.com/tinyexec-incubator/tinyexec/exec/ledger"
	"github.com/tinyexec-incubator/tinyexec/exec/storage"
)

// Number of steps in the stepped execution protocol.
const StepCount = 3

// ExecuteContext is the executor's per-transaction state. The scheduler never
// looks inside it.
type ExecuteContext interface{}

// Executor applies transactions to storage. Execution is split into three
// steps so the scheduler can overlap work of different transactions:
//
//	step 0 — parse and decode inputs; reads are allowed, writes are not
//	         expected (see below)
//	step 1 — perform the state transition (reads and writes)
//	step 2 — finalize and return the receipt
//
// Steps 0 and 1 return a nil receipt; step 2 must return one. All storage
// access must go through the storage handed to CreateExecuteContext.
//
// The scheduler does not trust the step-0 convention: read/write tracking is
// unified across all three steps, so a write issued during step 0 enters the
// write set and participates in conflict detection like any other write.
type Executor interface {
	CreateExecuteContext(s storage.Storage, header *ledger.BlockHeader, tx *ledger.Transaction,
		contextID int32, cfg *ledger.LedgerConfig) (ExecuteContext, error)

	ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error)
}

// TransactionExecutor is the non-stepped fallback used by serial callers.
type TransactionExecutor interface {
	ExecuteTransaction(s storage.Storage, header *ledger.BlockHeader, tx *ledger.Transaction,
		contextID int32, cfg *ledger.LedgerConfig) (*ledger.Receipt, error)
}

// ExecuteTransaction runs the three steps back to back on any Executor,
// providing the fallback path for executors that do not implement
// TransactionExecutor themselves.
func ExecuteTransaction(e Executor, s storage.Storage, header *ledger.BlockHeader,
	tx *ledger.Transaction, contextID int32, cfg *ledger.LedgerConfig) (*ledger.Receipt, error) {
	if te, ok := e.(TransactionExecutor); ok {
		return te.ExecuteTransaction(s, header, tx, contextID, cfg)
	}
	ctx, err := e.CreateExecuteContext(s, header, tx, contextID, cfg)
	if err != nil {
		return nil, err
	}
	var receipt *ledger.Receipt
	for step := 0; step < StepCount; step++ {
		receipt, err = e.ExecuteStep(ctx, step)
		if err != nil {
			return nil, err
		}
	}
	return receipt, nil
}

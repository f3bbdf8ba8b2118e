// Package scheduler executes an ordered batch of transactions speculatively in
// parallel. Transactions are processed in chunks: every transaction in a chunk
// runs the three-step executor protocol against its own forked storage view
// with read/write tracking, then a serial walk in input order commits the
// non-conflicting prefix and reschedules the tail. The committed state and the
// receipt sequence depend only on the input order and the executor, never on
// goroutine timing.
package scheduler

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tinyexec-incubator/tinyexec/exec/ledger"
	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/layered"
)

// DefaultChunkFactor sizes a chunk as a multiple of the worker count, so each
// chunk gives every worker several transactions to run.
const DefaultChunkFactor = 8

// SchedulerParallel is the parallel block scheduler. The zero value is usable;
// Workers and ChunkSize default from the machine.
type SchedulerParallel struct {
	// Workers is the target parallelism. Defaults to the CPU count.
	Workers int
	// ChunkSize overrides the chunk length. Defaults to DefaultChunkFactor
	// times Workers.
	ChunkSize int
}

func NewSchedulerParallel(workers, chunkSize int) *SchedulerParallel {
	return &SchedulerParallel{Workers: workers, ChunkSize: chunkSize}
}

func (s *SchedulerParallel) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return runtime.NumCPU()
}

func (s *SchedulerParallel) chunkSize() int {
	if s.ChunkSize > 0 {
		return s.ChunkSize
	}
	return DefaultChunkFactor * s.workers()
}

// slot holds the speculative outcome of one transaction within a chunk.
type slot struct {
	child   *layered.View
	rw      *ReadWriteSetStorage
	receipt *ledger.Receipt
	err     error
}

// ExecuteBlock executes txs against the view and returns one receipt per
// transaction, in input order. On success every transaction has a receipt; on
// failure exactly one error describes the first terminal fault and the view's
// mutable layer must be discarded by the caller. The context is the
// cancellation signal: it is polled between steps and between chunks, and a
// firing cancels the block with ErrCancelled.
//
// The view's mutable layer accumulates all committed writes; pushing it onto
// the multi-layer storage afterwards is the caller's decision.
func (s *SchedulerParallel) ExecuteBlock(ctx context.Context, view *layered.View, exec Executor,
	header *ledger.BlockHeader, txs []*ledger.Transaction, cfg *ledger.LedgerConfig) ([]*ledger.Receipt, error) {
	receipts := make([]*ledger.Receipt, len(txs))
	if len(txs) == 0 {
		return receipts, nil
	}
	view.NewMutable()

	chunk := s.chunkSize()
	failedOnce := make([]bool, len(txs))

	i := 0
	for i < len(txs) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotate(ErrCancelled, err.Error())
		}

		end := i + chunk
		if end > len(txs) {
			end = len(txs)
		}
		if failedOnce[i] {
			// Retry a previously failed transaction alone, against an empty
			// accepted set.
			end = i + 1
		}
		m := end - i
		chunkCounter.Inc()

		slots := make([]slot, m)
		sem := make(chan struct{}, s.workers())
		var wg sync.WaitGroup
		for j := 0; j < m; j++ {
			j := j
			wg.Add(1)
			task := func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				s.runTransaction(ctx, &slots[j], view, exec, header, txs[i+j], int32(i+j), cfg)
			}
			if err := ants.Submit(task); err != nil {
				task()
			}
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, errors.Annotate(ErrCancelled, err.Error())
		}

		committed, err := s.commitWalk(view, slots, txs, receipts, i, failedOnce)
		if err != nil {
			return nil, err
		}
		if committed < m {
			retryCounter.Add(float64(m - committed))
			log.Debug("chunk rescheduled",
				zap.Int("offset", i),
				zap.Int("committed", committed),
				zap.Int("retried", m-committed))
		}
		i += committed
	}
	return receipts, nil
}

// runTransaction runs the three-step protocol for one transaction against a
// fresh child view. The cancellation signal is polled at every inter-step
// boundary; an in-flight step always completes.
func (s *SchedulerParallel) runTransaction(ctx context.Context, sl *slot, view *layered.View,
	exec Executor, header *ledger.BlockHeader, tx *ledger.Transaction, contextID int32,
	cfg *ledger.LedgerConfig) {
	child := view.Fork()
	child.NewMutable()
	sl.child = child
	sl.rw = NewReadWriteSetStorage(child)

	ectx, err := exec.CreateExecuteContext(sl.rw, header, tx, contextID, cfg)
	if err != nil {
		sl.err = err
		return
	}
	for step := 0; step < StepCount; step++ {
		if ctx.Err() != nil {
			return
		}
		receipt, err := exec.ExecuteStep(ectx, step)
		if err != nil {
			sl.err = err
			return
		}
		if step == StepCount-1 {
			if receipt == nil {
				sl.err = errors.Errorf("executor returned no receipt for transaction %d", contextID)
				return
			}
			sl.receipt = receipt
		}
	}
}

// commitWalk walks the chunk in input order, committing every transaction
// until the first conflict or failure. It returns how many were committed.
// The first transaction of a chunk faces an empty accepted set and therefore
// never conflicts, which guarantees progress.
func (s *SchedulerParallel) commitWalk(view *layered.View, slots []slot, txs []*ledger.Transaction,
	receipts []*ledger.Receipt, offset int, failedOnce []bool) (int, error) {
	accepted := NewAccessSet()
	for j := range slots {
		sl := &slots[j]
		index := offset + j

		if sl.err != nil {
			var backendErr *storage.BackendError
			if stderrors.As(sl.err, &backendErr) {
				// Backend faults abort the block, no retry.
				return 0, sl.err
			}
			executorFailureCounter.Inc()
			if failedOnce[index] {
				return 0, &ExecutorFailedError{Index: index, Cause: sl.err}
			}
			failedOnce[index] = true
			log.Warn("executor failed, transaction will retry in isolation",
				zap.Int("index", index),
				zap.String("hash", txs[index].Hash),
				zap.Error(sl.err))
			return j, nil
		}

		if sl.rw.ConflictsWith(accepted) {
			conflictCounter.Inc()
			return j, nil
		}

		if err := view.MergeFrom(sl.child, sl.rw.WriteSet()); err != nil {
			return 0, err
		}
		accepted.Merge(sl.rw)
		receipts[index] = sl.receipt
	}
	return len(slots), nil
}

package scheduler

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyexec-incubator/tinyexec/exec/ledger"
	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/layered"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/memory"
)

func newMultiLayer() *layered.MultiLayerStorage {
	return layered.New(memory.New(memory.Ordered|memory.Concurrent, 8))
}

func makeTxs(count int) []*ledger.Transaction {
	txs := make([]*ledger.Transaction, count)
	for n := range txs {
		input := strconv.Itoa(n)
		txs[n] = &ledger.Transaction{Hash: "tx-" + input, Input: []byte(input)}
	}
	return txs
}

func executeBlock(t *testing.T, m *layered.MultiLayerStorage, s *SchedulerParallel,
	exec Executor, txs []*ledger.Transaction) []*ledger.Receipt {
	t.Helper()
	view := m.Fork()
	view.NewMutable()
	receipts, err := s.ExecuteBlock(context.Background(), view, exec,
		&ledger.BlockHeader{Number: 1}, txs, &ledger.LedgerConfig{})
	require.NoError(t, err)
	require.NoError(t, m.PushView(view))
	return receipts
}

// nopExecutor produces receipts without touching storage.
type nopExecutor struct{}

type nopContext struct{ contextID int32 }

func (nopExecutor) CreateExecuteContext(_ storage.Storage, _ *ledger.BlockHeader,
	_ *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (ExecuteContext, error) {
	return &nopContext{contextID: contextID}, nil
}

func (nopExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	if step == StepCount-1 {
		return &ledger.Receipt{ContextID: ctx.(*nopContext).contextID}, nil
	}
	return nil, nil
}

func TestEmptyBlock(t *testing.T) {
	m := newMultiLayer()
	view := m.Fork()
	receipts, err := new(SchedulerParallel).ExecuteBlock(context.Background(), view,
		nopExecutor{}, &ledger.BlockHeader{}, nil, &ledger.LedgerConfig{})
	require.NoError(t, err)
	assert.Empty(t, receipts)

	// Nothing was written, so nothing gets pushed.
	require.NoError(t, m.PushView(view))
	assert.Equal(t, 0, m.LayerCount())
}

func TestSimple(t *testing.T) {
	m := newMultiLayer()
	receipts := executeBlock(t, m, new(SchedulerParallel), nopExecutor{}, makeTxs(100))
	require.Len(t, receipts, 100)
	for n, receipt := range receipts {
		require.NotNil(t, receipt)
		assert.Equal(t, int32(n), receipt.ContextID)
	}
}

// disjointWriter writes one key per transaction; no two transactions overlap.
type disjointWriter struct{}

type writerContext struct {
	storage   storage.Storage
	tx        *ledger.Transaction
	contextID int32
}

func (disjointWriter) CreateExecuteContext(s storage.Storage, _ *ledger.BlockHeader,
	tx *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (ExecuteContext, error) {
	return &writerContext{storage: s, tx: tx, contextID: contextID}, nil
}

func (disjointWriter) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	wctx := ctx.(*writerContext)
	switch step {
	case 1:
		key := storage.NewStateKey("t_test", string(wctx.tx.Input))
		return nil, storage.WriteOne(wctx.storage, key, storage.NewStateValue(wctx.tx.Input))
	case 2:
		return &ledger.Receipt{ContextID: wctx.contextID}, nil
	}
	return nil, nil
}

func TestDisjointWrites(t *testing.T) {
	m := newMultiLayer()
	receipts := executeBlock(t, m, new(SchedulerParallel), disjointWriter{}, makeTxs(1000))
	require.Len(t, receipts, 1000)

	view := m.Fork()
	for n := 0; n < 1000; n++ {
		require.NotNil(t, receipts[n])
		value, err := storage.ReadOne(view, storage.NewStateKey("t_test", strconv.Itoa(n)))
		require.NoError(t, err)
		require.NotNil(t, value, "write %d lost", n)
		assert.Equal(t, strconv.Itoa(n), string(value.Data))
	}
}

const mockUserCount = 1000

// conflictExecutor transfers one unit from account n%users to
// (n+users/2)%users, so transactions whose indexes are congruent modulo
// users/2 touch the same two accounts and conflict with one another.
type conflictExecutor struct {
	users int
}

type conflictContext struct {
	storage   storage.Storage
	tx        *ledger.Transaction
	contextID int32
	from      storage.StateKey
	to        storage.StateKey
}

func balanceKey(n int) storage.StateKey {
	return storage.NewStateKey("t_test", strconv.Itoa(n))
}

func (e *conflictExecutor) CreateExecuteContext(s storage.Storage, _ *ledger.BlockHeader,
	tx *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (ExecuteContext, error) {
	return &conflictContext{storage: s, tx: tx, contextID: contextID}, nil
}

func (e *conflictExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	cctx := ctx.(*conflictContext)
	switch step {
	case 0:
		n, err := strconv.Atoi(string(cctx.tx.Input))
		if err != nil {
			return nil, err
		}
		cctx.from = balanceKey(n % e.users)
		cctx.to = balanceKey((n + e.users/2) % e.users)
		return nil, nil
	case 1:
		if err := addToBalance(cctx.storage, cctx.from, -1); err != nil {
			return nil, err
		}
		return nil, addToBalance(cctx.storage, cctx.to, 1)
	default:
		return &ledger.Receipt{ContextID: cctx.contextID}, nil
	}
}

func addToBalance(s storage.Storage, key storage.StateKey, delta int) error {
	value, err := storage.ReadOne(s, key)
	if err != nil {
		return err
	}
	if value == nil {
		return errors.Errorf("account %s not found", key)
	}
	balance, err := strconv.Atoi(string(value.Data))
	if err != nil {
		return err
	}
	return storage.WriteOne(s, key,
		storage.NewStateValue([]byte(strconv.Itoa(balance+delta))))
}

func seedBalances(t *testing.T, m *layered.MultiLayerStorage, users, balance int) {
	t.Helper()
	view := m.Fork()
	view.NewMutable()
	for n := 0; n < users; n++ {
		require.NoError(t, storage.WriteOne(view, balanceKey(n),
			storage.NewStateValue([]byte(strconv.Itoa(balance)))))
	}
	require.NoError(t, m.PushView(view))
}

func TestConflict(t *testing.T) {
	const initialBalance = 100000
	m := newMultiLayer()
	seedBalances(t, m, mockUserCount, initialBalance)

	receipts := executeBlock(t, m, new(SchedulerParallel),
		&conflictExecutor{users: mockUserCount}, makeTxs(1000))
	require.Len(t, receipts, 1000)
	for n, receipt := range receipts {
		require.NotNil(t, receipt, "receipt %d is nil", n)
	}

	// Every account sent and received the same number of units.
	view := m.Fork()
	for n := 0; n < mockUserCount; n++ {
		value, err := storage.ReadOne(view, balanceKey(n))
		require.NoError(t, err)
		require.NotNil(t, value)
		balance, err := strconv.Atoi(string(value.Data))
		require.NoError(t, err)
		assert.Equal(t, initialBalance, balance, "account %d", n)
	}
}

// TestDeterministicCommit runs the same conflicted block twice against
// identical initial state and requires bit-identical results.
func TestDeterministicCommit(t *testing.T) {
	run := func() []string {
		m := newMultiLayer()
		seedBalances(t, m, 100, 1000)
		executeBlock(t, m, &SchedulerParallel{Workers: 4, ChunkSize: 16},
			&conflictExecutor{users: 100}, makeTxs(300))
		view := m.Fork()
		out := make([]string, 100)
		for n := range out {
			value, err := storage.ReadOne(view, balanceKey(n))
			require.NoError(t, err)
			require.NotNil(t, value)
			out[n] = string(value.Data)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

// readMostlyExecutor: transaction 0 writes the key, everyone else reads it.
type readMostlyExecutor struct {
	attempts []int32
}

type readMostlyContext struct {
	exec      *readMostlyExecutor
	storage   storage.Storage
	contextID int32
}

func (e *readMostlyExecutor) CreateExecuteContext(s storage.Storage, _ *ledger.BlockHeader,
	_ *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (ExecuteContext, error) {
	return &readMostlyContext{exec: e, storage: s, contextID: contextID}, nil
}

func (e *readMostlyExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	rctx := ctx.(*readMostlyContext)
	switch step {
	case 1:
		atomic.AddInt32(&rctx.exec.attempts[rctx.contextID], 1)
		key := storage.NewStateKey("t_test", "hot")
		if rctx.contextID == 0 {
			return nil, storage.WriteOne(rctx.storage, key, storage.NewStateValue([]byte("v")))
		}
		_, err := storage.ReadOne(rctx.storage, key)
		return nil, err
	case 2:
		return &ledger.Receipt{ContextID: rctx.contextID}, nil
	}
	return nil, nil
}

func TestReadersRetryAfterWriter(t *testing.T) {
	m := newMultiLayer()
	exec := &readMostlyExecutor{attempts: make([]int32, 10)}
	s := &SchedulerParallel{Workers: 4, ChunkSize: 10}

	receipts := executeBlock(t, m, s, exec, makeTxs(10))
	require.Len(t, receipts, 10)
	for _, receipt := range receipts {
		require.NotNil(t, receipt)
	}

	// The writer commits on its first run; every reader conflicts against the
	// writer's committed write (RAW) and runs a second time.
	assert.Equal(t, int32(1), exec.attempts[0])
	for n := 1; n < 10; n++ {
		assert.Equal(t, int32(2), exec.attempts[n], "transaction %d", n)
	}
}

// flakyExecutor fails a chosen transaction for a configured number of
// attempts, then behaves like disjointWriter.
type flakyExecutor struct {
	disjointWriter
	failIndex int32
	failures  int32
	remaining int32
	attempts  []int32
}

func (e *flakyExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	wctx := ctx.(*writerContext)
	if step == 1 {
		atomic.AddInt32(&e.attempts[wctx.contextID], 1)
		if wctx.contextID == e.failIndex && atomic.AddInt32(&e.remaining, -1) >= 0 {
			return nil, errors.New("transient executor fault")
		}
	}
	return e.disjointWriter.ExecuteStep(ctx, step)
}

func TestExecutorFailureRetriesInIsolation(t *testing.T) {
	m := newMultiLayer()
	exec := &flakyExecutor{failIndex: 5, remaining: 1, attempts: make([]int32, 10)}
	receipts := executeBlock(t, m, &SchedulerParallel{Workers: 4, ChunkSize: 10}, exec, makeTxs(10))

	require.Len(t, receipts, 10)
	for n, receipt := range receipts {
		require.NotNil(t, receipt, "receipt %d is nil", n)
	}
	assert.Equal(t, int32(2), exec.attempts[5])

	view := m.Fork()
	value, err := storage.ReadOne(view, storage.NewStateKey("t_test", "5"))
	require.NoError(t, err)
	require.NotNil(t, value)
}

func TestExecutorFailureSurfacesAfterRetry(t *testing.T) {
	m := newMultiLayer()
	exec := &flakyExecutor{failIndex: 5, remaining: 1 << 30, attempts: make([]int32, 10)}
	view := m.Fork()
	view.NewMutable()

	_, err := new(SchedulerParallel).ExecuteBlock(context.Background(), view, exec,
		&ledger.BlockHeader{}, makeTxs(10), &ledger.LedgerConfig{})
	require.Error(t, err)
	var failed *ExecutorFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 5, failed.Index)
}

// cancellingExecutor cancels the block as soon as a transaction at or past
// triggerID starts executing.
type cancellingExecutor struct {
	disjointWriter
	triggerID int32
	cancel    context.CancelFunc
}

func (e *cancellingExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	wctx := ctx.(*writerContext)
	if step == 0 && wctx.contextID >= e.triggerID {
		e.cancel()
	}
	return e.disjointWriter.ExecuteStep(ctx, step)
}

func TestCancellation(t *testing.T) {
	m := newMultiLayer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Chunks of 2: the signal fires when the second chunk starts.
	exec := &cancellingExecutor{triggerID: 2, cancel: cancel}
	view := m.Fork()
	view.NewMutable()

	_, err := (&SchedulerParallel{Workers: 2, ChunkSize: 2}).ExecuteBlock(ctx, view, exec,
		&ledger.BlockHeader{}, makeTxs(6), &ledger.LedgerConfig{})
	require.Error(t, err)
	assert.Equal(t, ErrCancelled, errors.Cause(err))

	// The view is dropped, no layer is pushed, the stack is untouched.
	assert.Equal(t, 0, m.LayerCount())
}

func TestCancelledBeforeStart(t *testing.T) {
	m := newMultiLayer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	view := m.Fork()
	view.NewMutable()

	_, err := new(SchedulerParallel).ExecuteBlock(ctx, view, nopExecutor{},
		&ledger.BlockHeader{}, makeTxs(3), &ledger.LedgerConfig{})
	require.Error(t, err)
	assert.Equal(t, ErrCancelled, errors.Cause(err))
}

type readingExecutor struct {
	nopExecutor
}

func (readingExecutor) CreateExecuteContext(s storage.Storage, _ *ledger.BlockHeader,
	_ *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (ExecuteContext, error) {
	return &writerContext{storage: s, contextID: contextID}, nil
}

func (readingExecutor) ExecuteStep(ctx ExecuteContext, step int) (*ledger.Receipt, error) {
	wctx := ctx.(*writerContext)
	if step == 1 {
		_, err := storage.ReadOne(wctx.storage, storage.NewStateKey("t_test", "any"))
		return nil, err
	}
	if step == 2 {
		return &ledger.Receipt{ContextID: wctx.contextID}, nil
	}
	return nil, nil
}

type brokenBackend struct{}

func (brokenBackend) ReadSome([]storage.StateKey) ([]*storage.StateValue, error) {
	return nil, errors.New("disk on fire")
}

func (brokenBackend) WriteSome([]storage.StateKey, []storage.StateValue) error {
	return errors.New("disk on fire")
}

func (brokenBackend) RemoveSome([]storage.StateKey) error {
	return errors.New("disk on fire")
}

func TestBackendErrorAbortsBlock(t *testing.T) {
	m := layered.New(brokenBackend{})
	view := m.Fork()
	view.NewMutable()

	_, err := new(SchedulerParallel).ExecuteBlock(context.Background(), view, readingExecutor{},
		&ledger.BlockHeader{}, makeTxs(5), &ledger.LedgerConfig{})
	require.Error(t, err)
	var backendErr *storage.BackendError
	assert.ErrorAs(t, err, &backendErr)
}

func TestMissingReceiptIsExecutorFailure(t *testing.T) {
	m := newMultiLayer()
	view := m.Fork()
	view.NewMutable()

	// An executor that never produces a receipt fails its retry too.
	_, err := new(SchedulerParallel).ExecuteBlock(context.Background(), view, missingReceiptExecutor{},
		&ledger.BlockHeader{}, makeTxs(1), &ledger.LedgerConfig{})
	require.Error(t, err)
	var failed *ExecutorFailedError
	assert.ErrorAs(t, err, &failed)
}

type missingReceiptExecutor struct{ nopExecutor }

func (missingReceiptExecutor) ExecuteStep(ExecuteContext, int) (*ledger.Receipt, error) {
	return nil, nil
}

func TestExecuteTransactionFallback(t *testing.T) {
	s := memory.New(memory.Ordered|memory.LogicalDeletion, 0)
	tx := &ledger.Transaction{Input: []byte("7")}
	receipt, err := ExecuteTransaction(disjointWriter{}, s, &ledger.BlockHeader{}, tx, 7, &ledger.LedgerConfig{})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int32(7), receipt.ContextID)

	value, err := storage.ReadOne(s, storage.NewStateKey("t_test", "7"))
	require.NoError(t, err)
	require.NotNil(t, value)
}

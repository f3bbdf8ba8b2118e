package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tinyexec-incubator/tinyexec/exec/config"
	"github.com/tinyexec-incubator/tinyexec/exec/ledger"
	"github.com/tinyexec-incubator/tinyexec/exec/scheduler"
	"github.com/tinyexec-incubator/tinyexec/exec/storage"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/layered"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/leveldb"
	"github.com/tinyexec-incubator/tinyexec/exec/storage/memory"
)

var (
	configPath = flag.String("config", "", "config file path")
	userCount  = flag.Int("users", 1000, "number of accounts")
	txCount    = flag.Int("txs", 10000, "number of transfer transactions")
	dbPath     = flag.String("db", "", "leveldb backend directory (empty = in-memory backend)")
)

const balanceTable = "t_balance"

var initialBalance = uint256.NewInt(100000)

func main() {
	flag.Parse()
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		if err := conf.LoadFromFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	logger, props, err := log.InitLogger(&log.Config{Level: conf.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.ReplaceGlobals(logger, props)

	backend, closeBackend, err := openBackend(conf)
	if err != nil {
		log.Fatal("open backend", zap.Error(err))
	}
	defer closeBackend()

	multiLayer := layered.New(backend)
	if err := seedBalances(multiLayer, *userCount); err != nil {
		log.Fatal("seed balances", zap.Error(err))
	}

	txs := make([]*ledger.Transaction, *txCount)
	for n := range txs {
		input := strconv.Itoa(n)
		txs[n] = &ledger.Transaction{Hash: "tx-" + input, Input: []byte(input)}
	}

	sched := scheduler.NewSchedulerParallel(conf.Workers, conf.ChunkSize())
	executor := &transferExecutor{users: *userCount}
	header := &ledger.BlockHeader{Number: 1, Timestamp: uint64(time.Now().Unix())}

	view := multiLayer.Fork()
	view.NewMutable()
	start := time.Now()
	receipts, err := sched.ExecuteBlock(context.Background(), view, executor, header, txs, &ledger.LedgerConfig{})
	if err != nil {
		log.Fatal("execute block", zap.Error(err))
	}
	elapsed := time.Since(start)
	if err := multiLayer.PushView(view); err != nil {
		log.Fatal("push view", zap.Error(err))
	}

	if err := verifyBalances(multiLayer, *userCount); err != nil {
		log.Fatal("balance check", zap.Error(err))
	}

	log.Info("block executed",
		zap.Int("transactions", len(receipts)),
		zap.Int("users", *userCount),
		zap.Int("workers", conf.Workers),
		zap.Duration("elapsed", elapsed),
		zap.Float64("tps", float64(len(receipts))/elapsed.Seconds()))
}

func openBackend(conf *config.Config) (storage.Storage, func(), error) {
	if conf.DBPath == "" {
		backend := memory.New(memory.Ordered|memory.Concurrent, conf.BucketCount)
		return backend, func() {}, nil
	}
	store, err := leveldb.Open(conf.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// seedBalances writes every account's starting balance into one view and
// pushes it as a single layer.
func seedBalances(multiLayer *layered.MultiLayerStorage, users int) error {
	view := multiLayer.Fork()
	view.NewMutable()
	for n := 0; n < users; n++ {
		key := storage.NewStateKey(balanceTable, strconv.Itoa(n))
		value := storage.NewStateValue([]byte(initialBalance.Dec()))
		if err := storage.WriteOne(view, key, value); err != nil {
			return err
		}
	}
	return multiLayer.PushView(view)
}

// verifyBalances checks conservation: every account sends and receives the
// same number of transfers per full ring, so totals must match the seed.
func verifyBalances(multiLayer *layered.MultiLayerStorage, users int) error {
	view := multiLayer.Fork()
	total := new(uint256.Int)
	for n := 0; n < users; n++ {
		key := storage.NewStateKey(balanceTable, strconv.Itoa(n))
		value, err := storage.ReadOne(view, key)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("account %d vanished", n)
		}
		balance := new(uint256.Int)
		if err := balance.SetFromDecimal(string(value.Data)); err != nil {
			return err
		}
		total.Add(total, balance)
	}
	expected := new(uint256.Int).Mul(initialBalance, uint256.NewInt(uint64(users)))
	if !total.Eq(expected) {
		return fmt.Errorf("total balance %s, expected %s", total.Dec(), expected.Dec())
	}
	return nil
}

// transferExecutor moves one unit from account n%users to (n+users/2)%users:
// transactions whose indexes are congruent modulo users/2 touch the same two
// accounts and conflict with one another.
type transferExecutor struct {
	users int
}

type transferContext struct {
	storage   storage.Storage
	tx        *ledger.Transaction
	contextID int32
	from      storage.StateKey
	to        storage.StateKey
}

func (e *transferExecutor) CreateExecuteContext(s storage.Storage, _ *ledger.BlockHeader,
	tx *ledger.Transaction, contextID int32, _ *ledger.LedgerConfig) (scheduler.ExecuteContext, error) {
	return &transferContext{storage: s, tx: tx, contextID: contextID}, nil
}

func (e *transferExecutor) ExecuteStep(ctx scheduler.ExecuteContext, step int) (*ledger.Receipt, error) {
	tctx := ctx.(*transferContext)
	switch step {
	case 0:
		n, err := strconv.Atoi(string(tctx.tx.Input))
		if err != nil {
			return nil, err
		}
		tctx.from = storage.NewStateKey(balanceTable, strconv.Itoa(n%e.users))
		tctx.to = storage.NewStateKey(balanceTable, strconv.Itoa((n+e.users/2)%e.users))
		return nil, nil
	case 1:
		one := uint256.NewInt(1)
		if err := adjustBalance(tctx.storage, tctx.from, one, false); err != nil {
			return nil, err
		}
		return nil, adjustBalance(tctx.storage, tctx.to, one, true)
	default:
		return &ledger.Receipt{ContextID: tctx.contextID, GasUsed: 21000}, nil
	}
}

func adjustBalance(s storage.Storage, key storage.StateKey, delta *uint256.Int, add bool) error {
	value, err := storage.ReadOne(s, key)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("account %s not found", key)
	}
	balance := new(uint256.Int)
	if err := balance.SetFromDecimal(string(value.Data)); err != nil {
		return err
	}
	if add {
		balance.Add(balance, delta)
	} else {
		balance.Sub(balance, delta)
	}
	return storage.WriteOne(s, key, storage.NewStateValue([]byte(balance.Dec())))
}

package tinyexec

/*
TinyExec is the execution core of a blockchain node: given an ordered batch of
transactions and a read-only base state, it executes them speculatively in
parallel, detects read/write conflicts between their state accesses, retries
the conflicting tail, and produces one receipt per transaction together with a
new state layer that can be committed atop the base state.

TinyExec is a library; it has no RPC surface, no consensus, and no transaction
semantics of its own. The per-transaction state transition is supplied by the
caller through a small three-step executor interface.

The `tinyexec` module is organized into the following packages:

* `exec/storage`: the state key/value model and the storage capability shared
  by every layer, with the `bucketmap`, `memory`, `layered`, and `leveldb`
  implementations beneath it.
* `exec/scheduler`: the parallel scheduler, its read/write-set tracking, and
  the executor interface.
* `exec/ledger`: the protocol types (block header, transaction, receipt)
  passed between caller and executor.
* `exec/config`: tunables of the core (shard counts, worker counts, chunk
  sizing).
* `exec/tinyexec-bench`: a benchmark binary driving a transfer workload
  through the scheduler.
*/

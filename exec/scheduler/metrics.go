package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	chunkCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyexec",
		Subsystem: "scheduler",
		Name:      "chunks_total",
		Help:      "Chunk iterations executed, retries included.",
	})
	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyexec",
		Subsystem: "scheduler",
		Name:      "conflicts_total",
		Help:      "Transactions rejected by the conflict walk and rescheduled.",
	})
	retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyexec",
		Subsystem: "scheduler",
		Name:      "retried_transactions_total",
		Help:      "Transaction executions discarded and rerun.",
	})
	executorFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyexec",
		Subsystem: "scheduler",
		Name:      "executor_failures_total",
		Help:      "Executor step failures, including those recovered by retry.",
	})
)

func init() {
	prometheus.MustRegister(chunkCounter, conflictCounter, retryCounter, executorFailureCounter)
}

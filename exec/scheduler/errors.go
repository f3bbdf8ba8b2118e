package scheduler

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrCancelled is returned when the external cancellation signal fires. The
// in-progress view is dropped and no layer is pushed.
var ErrCancelled = errors.New("block execution cancelled")

// ExecutorFailedError reports that the executor failed for one transaction
// even after a retry in isolation.
type ExecutorFailedError struct {
	Index int
	Cause error
}

func (e *ExecutorFailedError) Error() string {
	return fmt.Sprintf("executor failed for transaction %d: %v", e.Index, e.Cause)
}

func (e *ExecutorFailedError) Unwrap() error {
	return e.Cause
}

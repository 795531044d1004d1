package sandbox

import (
	"fmt"
	"time"
)

// progressInterval is the cadence at which a supervised call reports its
// phase to the observer.
const progressInterval = time.Second

// Result is the outcome of a supervised call: exactly one of Output and
// Err is meaningful. On the timeout path Err wraps ErrTimeout and Output
// is the zero value.
type Result[T any] struct {
	Output T
	Err    error
}

// ProgressObserver receives periodic updates while a supervised call runs.
// It is a side channel only: implementations must return promptly and must
// not assume any completion ordering relative to the supervised call.
type ProgressObserver interface {
	Progress(phase string, elapsed, budget time.Duration)
}

// ProgressFunc adapts a function to the ProgressObserver interface.
type ProgressFunc func(phase string, elapsed, budget time.Duration)

// Progress implements ProgressObserver.
func (f ProgressFunc) Progress(phase string, elapsed, budget time.Duration) {
	f(phase, elapsed, budget)
}

// Supervise runs op under a hard wall-clock budget. The operation runs on
// its own goroutine and delivers its outcome through a single-producer
// channel; the supervisor polls at a fixed cadence, feeding the optional
// observer a human-readable phase description.
//
// When the budget expires the supervisor detaches from the operation
// without terminating it: the operation's destructive footprint is bounded
// to the remote environment, whose lifecycle the owning Session tears down
// at Close regardless of whether the abandoned call ever returns. An error
// raised by op before the deadline is returned as-is instead of a timeout.
func Supervise[T any](budget time.Duration, phase string, observer ProgressObserver, op func() (T, error)) Result[T] {
	done := make(chan Result[T], 1)
	go func() {
		out, err := op()
		done <- Result[T]{Output: out, Err: err}
	}()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case res := <-done:
			if observer != nil {
				observer.Progress(phase+" finished", time.Since(started), budget)
			}
			return res
		case <-ticker.C:
			if observer != nil {
				observer.Progress(phase+" running", time.Since(started), budget)
			}
		case <-deadline.C:
			if observer != nil {
				observer.Progress(phase+" timed out", time.Since(started), budget)
			}
			var zero T
			return Result[T]{Output: zero, Err: fmt.Errorf("%w: %s exceeded %s", ErrTimeout, phase, budget)}
		}
	}
}

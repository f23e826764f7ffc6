package executor

import (
	"context"
	"time"

	"go.uber.org/atomic"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// ProgressFunc receives the number of rows a statement has processed. A
// function shared by several queries is called from several goroutines.
type ProgressFunc func(rows uint64)

// progressInterval is how many rows pass between progress reports.
const progressInterval = 1000

// Future tracks one asynchronously executing statement. Interruption is
// cooperative and checked before every row.
type Future struct {
	interrupted atomic.Bool
	rows        atomic.Uint64
	progress    ProgressFunc

	done chan struct{}
	err  error
}

func newFuture(progress ProgressFunc) *Future {
	return &Future{progress: progress, done: make(chan struct{})}
}

// Interrupt asks the statement to stop at the next row.
func (f *Future) Interrupt() { f.interrupted.Store(true) }

// Interrupted reports whether Interrupt was called.
func (f *Future) Interrupted() bool { return f.interrupted.Load() }

// Rows returns the number of rows processed so far.
func (f *Future) Rows() uint64 { return f.rows.Load() }

// Done is closed when the statement has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome once Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the statement finishes. When timeout (if positive)
// elapses or ctx ends first, the statement is interrupted and Wait returns
// once it has stopped.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.done:
		return f.err
	case <-expired:
		f.Interrupt()
		<-f.done
		return terrors.NewExecutionError(terrors.CodeExecutionTimeout, "query timed out", f.err).
			WithDetail("timeout", timeout.String())
	case <-ctx.Done():
		f.Interrupt()
		<-f.done
		return terrors.NewExecutionError(terrors.CodeInterrupted, "query cancelled", ctx.Err())
	}
}

// countRow records a processed row and reports progress every
// progressInterval rows.
func (f *Future) countRow() {
	n := f.rows.Inc()
	if f.progress != nil && n%progressInterval == 0 {
		f.progress(n)
	}
}

func (f *Future) finish(err error) {
	if f.progress != nil {
		f.progress(f.rows.Load())
	}
	f.err = err
	close(f.done)
}

// WaitAll waits for every future with a shared timeout and returns the
// first failure. After a failure the remaining futures are interrupted, and
// WaitAll still returns only once all of them have stopped.
func WaitAll(ctx context.Context, futures []*Future, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var first error
	for _, f := range futures {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				remaining = time.Nanosecond
			}
		}
		if err := f.Wait(ctx, remaining); err != nil && first == nil {
			first = err
			InterruptAll(futures)
		}
	}
	return first
}

// InterruptAll interrupts every future.
func InterruptAll(futures []*Future) {
	for _, f := range futures {
		f.Interrupt()
	}
}

package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a bounded wait expires before its condition
// was signaled.
var ErrTimeout = errors.New("relay: wait timed out")

// Future is a single-resolution signal. Resolve may be called any number of
// times; only the first has an effect.
type Future struct {
	once sync.Once
	done chan struct{}
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve marks the future as done and wakes every waiter.
func (f *Future) Resolve() {
	f.once.Do(func() { close(f.done) })
}

// Done returns a channel closed on resolution.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether Resolve has been called.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves, the timeout expires (ErrTimeout)
// or ctx is canceled (ctx.Err()). A non-positive timeout waits on ctx alone.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) error {
	if f.Resolved() {
		return nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-f.done:
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

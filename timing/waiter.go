package timing

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock abstracts time-related functions for testability.
type Clock = clockwork.Clock

// NewRealClock returns a clock that uses the system's time.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}

// Waiter waits out a single polling quantum. It is the only thing that
// differs between the blocking and the cooperative synchronizers.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

type blockingWaiter struct {
	clock Clock
}

// BlockingWaiter returns a Waiter that sleeps the calling goroutine.
// The context is ignored and Wait never fails.
func BlockingWaiter(c Clock) Waiter {
	return &blockingWaiter{clock: c}
}

func (w *blockingWaiter) Wait(_ context.Context, d time.Duration) error {
	if d > 0 {
		w.clock.Sleep(d)
	}
	return nil
}

type cooperativeWaiter struct {
	clock Clock
}

// CooperativeWaiter returns a Waiter that suspends on a clock timer and gives
// up early when ctx is done.
func CooperativeWaiter(c Clock) Waiter {
	return &cooperativeWaiter{clock: c}
}

func (w *cooperativeWaiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package timing

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestBlockingWaiter_IgnoresContext(t *testing.T) {
	w := BlockingWaiter(NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := w.Wait(ctx, 5*time.Millisecond)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestCooperativeWaiter(t *testing.T) {
	w := CooperativeWaiter(NewRealClock())

	start := time.Now()
	assert.NoError(t, w.Wait(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Wait(ctx, time.Hour), context.Canceled)
	assert.NoError(t, w.Wait(context.Background(), 0))
}

func TestCooperativeWaiter_FakeClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := CooperativeWaiter(fc)

	done := make(chan error, 1)
	go func() {
		done <- w.Wait(context.Background(), time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiter never blocked: %v", err)
	}
	fc.Advance(time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("waiter did not wake up")
	}
}

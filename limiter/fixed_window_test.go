package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratewindow/storage"
)

var epoch = time.Unix(1_700_000_000, 0)

func newMemory(t *testing.T) (*storage.Memory, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	m, err := storage.NewMemory(storage.WithClock(fc))
	require.NoError(t, err)
	return m, fc
}

func TestNewFixedWindow_NilStorage(t *testing.T) {
	_, err := NewFixedWindow(nil)
	assert.Error(t, err)
}

func TestFixedWindow_Allow(t *testing.T) {
	ctx := context.Background()
	m, fc := newMemory(t)
	l, err := NewFixedWindow(m, WithClock(fc))
	require.NoError(t, err)

	item := Item{Amount: 10, Per: 2 * time.Second}
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, item, "user")
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i)
	}

	ok, err := l.Test(ctx, item, "user")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Allow(ctx, item, "user")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, item, "other")
	require.NoError(t, err)
	assert.True(t, ok, "identifiers are counted apart")

	stats, err := l.WindowStats(ctx, item, "user")
	require.NoError(t, err)
	assert.Zero(t, stats.Remaining)
	assert.True(t, stats.ResetTime.Equal(epoch.Add(2*time.Second)), "reset %v", stats.ResetTime)

	fc.Advance(2 * time.Second)
	ok, err = l.Allow(ctx, item, "user")
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err = l.WindowStats(ctx, item, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(9), stats.Remaining)
}

func TestFixedWindow_AllowN(t *testing.T) {
	ctx := context.Background()
	m, fc := newMemory(t)
	l, _ := NewFixedWindow(m, WithClock(fc))
	item := PerMinute(5)

	ok, err := l.AllowN(ctx, item, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.AllowN(ctx, item, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Clear(ctx, item))
	ok, err = l.Test(ctx, item)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Allow(ctx, PerMinute(0))
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = l.WindowStats(ctx, PerMinute(0))
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestFixedWindow_Wait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, fc := newMemory(t)
	l, _ := NewFixedWindow(m, WithClock(fc))
	item := PerSecond(1)

	require.NoError(t, l.Wait(ctx, item))

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, item) }()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)
	assert.NoError(t, <-done)
}

func TestFixedWindow_WaitErrors(t *testing.T) {
	m, fc := newMemory(t)
	l, _ := NewFixedWindow(m, WithClock(fc))
	item := PerSecond(1)

	assert.Error(t, l.WaitN(context.Background(), item, 2))

	ok, _ := l.Allow(context.Background(), item)
	require.True(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, item), context.Canceled)
}

package limiter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratewindow/backend"
	"ratewindow/storage"
	"ratewindow/timing"
)

// marks names the storage fixtures available to this run, e.g.
// RATEWINDOW_MARKS=redis,redis_cluster.
var marks = backend.ParseMarks(os.Getenv("RATEWINDOW_MARKS"))

func openBackend(t *testing.T, b backend.Backend) storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), b.URI, b.Options, storage.WithKeyPrefix("it"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Reset(context.Background())
		_ = s.Close()
	})
	return s
}

func synchronizer(b backend.Backend) *timing.Synchronizer {
	if b.Async() {
		return timing.NewCooperative()
	}
	return timing.New()
}

func TestFixedWindow_InWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("aligns to the wall clock")
	}
	for _, name := range []string{backend.AllStorage, backend.AsyncAllStorage} {
		set, err := backend.Default().Set(name)
		require.NoError(t, err)
		t.Run(name, func(t *testing.T) { runFixedWindowInWindow(t, set) })
	}
}

func runFixedWindowInWindow(t *testing.T, set backend.Set) {
	backend.Run(t, set, marks, func(t *testing.T, b backend.Backend) {
		s := openBackend(t, b)
		l, err := NewFixedWindow(s)
		require.NoError(t, err)
		item := Item{Amount: 10, Per: 2 * time.Second}

		syn := synchronizer(b)
		syn.FixedStartT(func(t *testing.T) {
			ctx := t.Context()
			var span timing.Span
			err := syn.Window(ctx, time.Second, func(sp timing.Span) error {
				span = sp
				for i := 0; i < 10; i++ {
					ok, err := l.Allow(ctx, item)
					if err != nil {
						return err
					}
					assert.True(t, ok, "hit %d", i)
				}
				return nil
			})
			require.NoError(t, err)

			ok, err := l.Allow(ctx, item)
			require.NoError(t, err)
			assert.False(t, ok)

			stats, err := l.WindowStats(ctx, item)
			require.NoError(t, err)
			assert.Zero(t, stats.Remaining)
			assert.Equal(t, span.Start+2, stats.ResetTime.Unix())
		})(t)
	})
}

func TestMovingWindow_InWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("aligns to the wall clock")
	}
	for _, name := range []string{backend.MovingWindowStorage, backend.AsyncMovingWindowStorage} {
		set, err := backend.Default().Set(name)
		require.NoError(t, err)
		t.Run(name, func(t *testing.T) { runMovingWindowInWindow(t, set) })
	}
}

func runMovingWindowInWindow(t *testing.T, set backend.Set) {
	backend.Run(t, set, marks, func(t *testing.T, b backend.Backend) {
		s := openBackend(t, b)
		l, err := NewMovingWindow(s)
		require.NoError(t, err)
		item := Item{Amount: 5, Per: 2 * time.Second}

		syn := synchronizer(b)
		syn.FixedStartT(func(t *testing.T) {
			ctx := t.Context()
			var span timing.Span
			err := syn.Window(ctx, time.Second, func(sp timing.Span) error {
				span = sp
				ok, err := l.AllowN(ctx, item, 5)
				assert.True(t, ok)
				return err
			})
			require.NoError(t, err)

			ok, err := l.Test(ctx, item)
			require.NoError(t, err)
			assert.False(t, ok, "entries outlive the window")

			stats, err := l.WindowStats(ctx, item)
			require.NoError(t, err)
			assert.Zero(t, stats.Remaining)
			assert.Equal(t, span.Start+2, stats.ResetTime.Unix())
		})(t)
	})
}

func TestFixedWindow_DelayedWindowOnMiniredis(t *testing.T) {
	if testing.Short() {
		t.Skip("aligns to the wall clock")
	}
	mr := miniredis.RunT(t)
	s := openBackend(t, backend.Backend{ID: "miniredis", URI: "redis://" + mr.Addr()})
	l, err := NewFixedWindow(s)
	require.NoError(t, err)
	item := PerSecond(3)

	err = timing.FixedStart(func() error {
		return timing.WithWindow(1500*time.Millisecond, func(timing.Span) error {
			for i := 0; i < 3; i++ {
				ok, err := l.Allow(context.Background(), item)
				require.NoError(t, err)
				assert.True(t, ok)
			}
			return nil
		}, timing.WithDelay(time.Second))
	})()
	require.NoError(t, err)

	// The window closes before the counter started by the delayed hits expires.
	ok, err := l.Allow(context.Background(), item)
	require.NoError(t, err)
	assert.False(t, ok)
}

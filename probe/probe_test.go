package probe

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ratewindow/limiter"
	"ratewindow/storage"
	"ratewindow/timing"
)

var epoch = time.Unix(1_700_000_000, 0)

// advancer waits by moving the fake clock forward.
type advancer struct {
	fc *clockwork.FakeClock
}

func (a advancer) Wait(_ context.Context, d time.Duration) error {
	a.fc.Advance(d)
	return nil
}

func fakeConfig(t *testing.T, uri string) (Config, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch.Add(300 * time.Millisecond))
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return Config{
		URI:            uri,
		Limit:          limiter.Item{Amount: 10, Per: 2 * time.Second},
		Strategy:       FixedWindow,
		Window:         time.Second,
		Rounds:         2,
		Workers:        4,
		Requests:       5,
		Sync:           timing.New(timing.WithClock(fc), timing.WithWaiter(advancer{fc}), timing.WithLogger(logger)),
		StorageOptions: []storage.Option{storage.WithClock(fc)},
		Logger:         logger,
	}, fc
}

func TestRun_FixedWindow(t *testing.T) {
	cfg, fc := fakeConfig(t, "memory://")

	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, r.Rounds, 2)

	for i, round := range r.Rounds {
		assert.Equal(t, i, round.Index)
		assert.Equal(t, epoch.Unix()+int64(i)+1, round.Span.Start)
		assert.Equal(t, round.Span.Start+1, round.Span.End)
		assert.Equal(t, int64(10), round.Allowed)
		assert.Equal(t, int64(10), round.Blocked)
		assert.Zero(t, round.Overshoot)
		assert.Zero(t, round.Overrun)
		assert.False(t, round.OverLimit)
	}
	assert.Equal(t, int64(20), r.Allowed)
	assert.Equal(t, int64(20), r.Blocked)
	assert.Zero(t, r.OverLimit)
	assert.False(t, r.Cooperative)
	_, err = uuid.Parse(r.RunID)
	assert.NoError(t, err)
	assert.Equal(t, epoch.Add(3*time.Second), fc.Now())
}

func TestRun_MovingWindowWithDelay(t *testing.T) {
	cfg, fc := fakeConfig(t, "async+memory://")
	cfg.Strategy = MovingWindow
	cfg.Rounds = 1
	cfg.Window = 1500 * time.Millisecond
	cfg.Delay = 500 * time.Millisecond

	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, r.Rounds, 1)

	round := r.Rounds[0]
	assert.Equal(t, epoch.Unix()+1, round.Span.Start)
	assert.Equal(t, epoch.Unix()+2, round.Span.End)
	assert.Equal(t, int64(10), round.Allowed)
	assert.Equal(t, 500*time.Millisecond, round.Busy)
	assert.Zero(t, round.Overrun)
	assert.Equal(t, epoch.Add(2500*time.Millisecond), fc.Now())
}

func TestRun_RedisWithFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, _ := fakeConfig(t, "redis://"+mr.Addr())
	cfg.Rounds = 1
	cfg.Fallback = true

	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Allowed)
	assert.Zero(t, r.Failed)
}

func TestRun_InvalidConfig(t *testing.T) {
	base, _ := fakeConfig(t, "memory://")
	tests := map[string]func(c *Config){
		"no uri":            func(c *Config) { c.URI = "" },
		"strategy":          func(c *Config) { c.Strategy = "token-bucket" },
		"no rounds":         func(c *Config) { c.Rounds = 0 },
		"no workers":        func(c *Config) { c.Workers = -1 },
		"negative window":   func(c *Config) { c.Window = -time.Second },
		"negative interval": func(c *Config) { c.Interval = -time.Second },
		"limit":             func(c *Config) { c.Limit = limiter.Item{} },
		"fallback moving":   func(c *Config) { c.Fallback, c.Strategy = true, MovingWindow },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := Run(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRun_UnsupportedScheme(t *testing.T) {
	cfg, _ := fakeConfig(t, "memcached://localhost:22122")
	_, err := Run(context.Background(), cfg)
	assert.ErrorIs(t, err, storage.ErrUnsupportedScheme)
}

func TestRun_CancelledCooperative(t *testing.T) {
	cfg, _ := fakeConfig(t, "memory://")
	cfg.Sync = timing.NewCooperative()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, r)
	assert.Empty(t, r.Rounds)
}

func TestReport_WriteYAML(t *testing.T) {
	cfg, _ := fakeConfig(t, "memory://")
	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.WriteYAML(&buf))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, r.RunID, got["run_id"])
	assert.Equal(t, "memory://", got["uri"])
	assert.Equal(t, "fixed-window", got["strategy"])
	assert.Equal(t, "1s", got["window"])
	assert.Equal(t, 20, got["allowed"])
	assert.Len(t, got["rounds"], 2)
}

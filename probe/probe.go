// Package probe drives aligned, bracketed rounds of concurrent traffic at a
// rate limiter and reports how the rounds lined up with the wall clock.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ratewindow/backend"
	"ratewindow/limiter"
	"ratewindow/storage"
	"ratewindow/timing"
)

// Strategies accepted by Config.Strategy.
const (
	FixedWindow  = "fixed-window"
	MovingWindow = "moving-window"
)

// ErrInvalidConfig is returned by Run for a configuration it cannot run.
var ErrInvalidConfig = errors.New("probe: invalid config")

// Config describes a probe run.
type Config struct {
	URI      string
	Options  backend.Options
	Limit    limiter.Item
	Strategy string
	// Window is how long each round lasts after it starts.
	Window time.Duration
	// Delay holds the workers back this long after a round starts.
	Delay    time.Duration
	Rounds   int
	Workers  int
	Requests int
	// Interval paces each worker's requests. Zero sends them back to back.
	Interval time.Duration
	// Fallback wraps the storage so it degrades to memory when it goes down.
	Fallback bool

	Sync           *timing.Synchronizer
	StorageOptions []storage.Option
	Logger         zerolog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.URI == "":
		return fmt.Errorf("%w: uri is empty", ErrInvalidConfig)
	case c.Strategy != FixedWindow && c.Strategy != MovingWindow:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	case c.Rounds <= 0 || c.Workers <= 0 || c.Requests <= 0:
		return fmt.Errorf("%w: rounds, workers and requests must be positive", ErrInvalidConfig)
	case c.Window < 0 || c.Delay < 0 || c.Interval < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	case c.Fallback && c.Strategy == MovingWindow:
		return fmt.Errorf("%w: fallback storage keeps no moving windows", ErrInvalidConfig)
	}
	if err := c.Limit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// key prefixes the probe's counters in the storage. Each run adds its own id
// so that probes sharing a backend do not see each other's hits.
const key = "windowprobe"

// Run executes cfg.Rounds rounds and reports on them. A round aligns to the
// next second, opens a window of cfg.Window and lets every worker send
// cfg.Requests hits.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger := cfg.Logger.With().Str("component", "probe").Str("run_id", runID).Logger()
	syn := cfg.Sync
	if syn == nil {
		syn = timing.New(timing.WithLogger(logger))
	}

	sopts := append([]storage.Option{storage.WithLogger(logger)}, cfg.StorageOptions...)
	s, err := openStorage(ctx, cfg, sopts)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	l, err := newLimiter(cfg.Strategy, s, syn)
	if err != nil {
		return nil, err
	}

	r := newReport(cfg, runID, syn.Cooperative())
	for i := 0; i < cfg.Rounds; i++ {
		if err := l.Clear(ctx, cfg.Limit, key, runID); err != nil {
			return r, fmt.Errorf("round %d: clear: %w", i, err)
		}
		round, err := runRound(ctx, cfg, syn, l, runID, logger)
		if err != nil {
			return r, fmt.Errorf("round %d: %w", i, err)
		}
		round.Index = i
		r.add(round)
		logger.Info().
			Int("round", i).
			Int64("start", round.Span.Start).
			Int64("allowed", round.Allowed).
			Int64("blocked", round.Blocked).
			Dur("overshoot", round.Overshoot).
			Dur("overrun", round.Overrun).
			Msg("round finished")
	}
	return r, nil
}

func openStorage(ctx context.Context, cfg Config, sopts []storage.Option) (storage.Storage, error) {
	primary, err := storage.Open(ctx, cfg.URI, cfg.Options, sopts...)
	if err != nil {
		return nil, err
	}
	if !cfg.Fallback {
		return primary, nil
	}

	secondary, err := storage.NewMemory(sopts...)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	fb, err := storage.NewFallback(primary, secondary, sopts...)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return &closeAll{Fallback: fb, wrapped: primary}, nil
}

// closeAll closes the primary along with the fallback that wraps it.
type closeAll struct {
	*storage.Fallback
	wrapped storage.Storage
}

func (c *closeAll) Close() error {
	return errors.Join(c.Fallback.Close(), c.wrapped.Close())
}

func newLimiter(strategy string, s storage.Storage, syn *timing.Synchronizer) (limiter.Limiter, error) {
	opt := limiter.WithClock(syn.Clock())
	if strategy == MovingWindow {
		return limiter.NewMovingWindow(s, opt)
	}
	return limiter.NewFixedWindow(s, opt)
}

func runRound(ctx context.Context, cfg Config, syn *timing.Synchronizer, l limiter.Limiter, runID string, logger zerolog.Logger) (Round, error) {
	clock := syn.Clock()

	aligned, err := syn.AlignStart(ctx)
	if err != nil {
		return Round{}, err
	}

	var round Round
	round.Overshoot = aligned.Sub(aligned.Truncate(time.Second))

	win, err := syn.Open(ctx, cfg.Window, timing.WithDelay(cfg.Delay))
	if err != nil {
		return Round{}, err
	}
	round.Span = win.Span()

	var allowed, blocked, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			var tick <-chan time.Time
			if cfg.Interval > 0 {
				t := clock.NewTicker(cfg.Interval)
				defer t.Stop()
				tick = t.Chan()
			}
			for i := 0; i < cfg.Requests; i++ {
				if tick != nil {
					select {
					case <-tick:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				ok, err := l.Allow(gctx, cfg.Limit, key, runID)
				switch {
				case gctx.Err() != nil:
					return gctx.Err()
				case err != nil:
					failed.Add(1)
					logger.Warn().Err(err).Int("worker", w).Int("request", i).Msg("limiter failed")
				case ok:
					allowed.Add(1)
				default:
					blocked.Add(1)
				}
			}
			return nil
		})
	}
	workErr := g.Wait()
	sent := clock.Now()

	if err := win.Close(); err != nil {
		return Round{}, err
	}
	if workErr != nil {
		return Round{}, workErr
	}

	round.Allowed = allowed.Load()
	round.Blocked = blocked.Load()
	round.Failed = failed.Load()
	round.Busy = sent.Sub(win.Started())
	round.Overrun = clock.Since(win.Started().Add(max(cfg.Window, cfg.Delay)))
	// Hits spread over less than one period must not pass more than the limit.
	if sent.Sub(win.Started().Add(cfg.Delay)) < cfg.Limit.Per {
		round.OverLimit = round.Allowed > cfg.Limit.Amount
	}
	return round, nil
}

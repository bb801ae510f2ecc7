package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Fallback provides a fallback mechanism. It uses a primary storage and falls
// back to a secondary one while the primary is down. A background health
// check switches back once the primary answers again.
type Fallback struct {
	primary       Storage
	secondary     Storage
	isPrimaryDown atomic.Bool

	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger
	warn     rate.Sometimes

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Storage = (*Fallback)(nil)

// NewFallback creates a new Fallback and starts its health check. Call Close
// to stop it.
func NewFallback(primary, secondary Storage, opts ...Option) (*Fallback, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary storage can't be nil")
	}
	if secondary == nil {
		return nil, fmt.Errorf("secondary storage can't be nil")
	}
	o := newOptions(opts)
	if o.healthCheckInterval <= 0 {
		return nil, fmt.Errorf("health check interval must be > 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fallback{
		primary:   primary,
		secondary: secondary,
		clock:     o.clock,
		interval:  o.healthCheckInterval,
		logger:    o.logger.With().Str("component", "fallback").Logger(),
		warn:      rate.Sometimes{Interval: time.Second},
		cancel:    cancel,
	}

	f.wg.Add(1)
	go f.healthCheck(ctx)

	return f, nil
}

// PrimaryDown reports whether calls currently go to the secondary.
func (f *Fallback) PrimaryDown() bool {
	return f.isPrimaryDown.Load()
}

// usePrimary decides whether err from the primary should send the call to the
// secondary, and marks the primary down if so.
func (f *Fallback) usePrimary(op string, err error) bool {
	if err == nil || !errors.Is(err, ErrPrimaryDown) {
		return true
	}
	f.isPrimaryDown.Store(true)
	f.warn.Do(func() {
		f.logger.Warn().Err(err).Str("op", op).Msg("primary storage failed, falling back to secondary")
	})
	return false
}

// Incr implements Storage.
func (f *Fallback) Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	if !f.isPrimaryDown.Load() {
		n, err := f.primary.Incr(ctx, key, expiry, amount)
		if f.usePrimary("incr", err) {
			return n, err
		}
	}
	return f.secondary.Incr(ctx, key, expiry, amount)
}

// Get implements Storage.
func (f *Fallback) Get(ctx context.Context, key string) (int64, error) {
	if !f.isPrimaryDown.Load() {
		n, err := f.primary.Get(ctx, key)
		if f.usePrimary("get", err) {
			return n, err
		}
	}
	return f.secondary.Get(ctx, key)
}

// GetExpiry implements Storage.
func (f *Fallback) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	if !f.isPrimaryDown.Load() {
		t, err := f.primary.GetExpiry(ctx, key)
		if f.usePrimary("get expiry", err) {
			return t, err
		}
	}
	return f.secondary.GetExpiry(ctx, key)
}

// Clear implements Storage. It clears both storages so that a later switch
// does not resurrect stale counters.
func (f *Fallback) Clear(ctx context.Context, key string) error {
	perr := f.primary.Clear(ctx, key)
	if !f.usePrimary("clear", perr) {
		perr = nil
	}
	return errors.Join(perr, f.secondary.Clear(ctx, key))
}

// Reset implements Storage.
func (f *Fallback) Reset(ctx context.Context) error {
	perr := f.primary.Reset(ctx)
	if !f.usePrimary("reset", perr) {
		perr = nil
	}
	return errors.Join(perr, f.secondary.Reset(ctx))
}

// Check implements Storage. The fallback is usable as long as either side is.
func (f *Fallback) Check(ctx context.Context) error {
	if err := f.primary.Check(ctx); err == nil {
		return nil
	}
	return f.secondary.Check(ctx)
}

// healthCheck periodically checks if the primary storage has recovered.
func (f *Fallback) healthCheck(ctx context.Context) {
	defer f.wg.Done()

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Debug().Dur("interval", f.interval).Msg("health checker started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Debug().Msg("health checker shutting down")
			return
		case <-ticker.Chan():
			err := f.primary.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			wasDown := f.isPrimaryDown.Load()
			f.isPrimaryDown.Store(err != nil)
			switch {
			case err != nil && !wasDown:
				f.logger.Info().Err(err).Msg("primary storage is down, switching to secondary")
			case err == nil && wasDown:
				f.logger.Info().Msg("primary storage is healthy again")
			}
		}
	}
}

// Close stops the health check goroutine. It does not close the wrapped
// storages.
func (f *Fallback) Close() error {
	f.once.Do(func() {
		f.cancel()
		f.wg.Wait()
	})
	return nil
}

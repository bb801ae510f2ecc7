// Package storage provides the counter storages that rate-limit strategies
// run on: an in-process LRU store, a Redis store and a fallback store that
// degrades from one to the other.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrPrimaryDown marks a failure of a networked storage.
	ErrPrimaryDown = errors.New("storage: primary storage is down")
	// ErrUnsupportedScheme is returned by Open for schemes without a driver.
	ErrUnsupportedScheme = errors.New("storage: unsupported scheme")
	// ErrInvalidURI is returned by Open for malformed connection URIs.
	ErrInvalidURI = errors.New("storage: invalid uri")
)

// Storage keeps fixed-window counters.
type Storage interface {
	// Incr adds amount to the counter at key and returns the new value. A
	// counter that does not exist or has expired starts over at zero and
	// expires expiry after this call.
	Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error)
	// Get returns the counter at key, zero if it does not exist or expired.
	Get(ctx context.Context, key string) (int64, error)
	// GetExpiry returns when the counter at key expires, or now if it does
	// not exist.
	GetExpiry(ctx context.Context, key string) (time.Time, error)
	// Clear removes everything stored under key.
	Clear(ctx context.Context, key string) error
	// Reset removes everything this storage owns.
	Reset(ctx context.Context) error
	// Check reports whether the storage is reachable.
	Check(ctx context.Context) error
	Close() error
}

// MovingWindow is implemented by storages that support moving windows.
type MovingWindow interface {
	// AcquireEntry records amount entries at key if that keeps the number of
	// entries younger than expiry at or below limit.
	AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)
	// GetMovingWindow returns the time of the oldest entry younger than
	// expiry and the number of such entries, or now and zero.
	GetMovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error)
}

const (
	defaultKeyPrefix           = "RATEWINDOW"
	defaultCacheSize           = 4096
	defaultHealthCheckInterval = 5 * time.Second
)

type options struct {
	clock               clockwork.Clock
	logger              zerolog.Logger
	keyPrefix           string
	cacheSize           int
	healthCheckInterval time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		clock:               clockwork.NewRealClock(),
		logger:              zerolog.Nop(),
		keyPrefix:           defaultKeyPrefix,
		cacheSize:           defaultCacheSize,
		healthCheckInterval: defaultHealthCheckInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a storage.
type Option func(*options)

// WithClock sets a custom clock, for testing.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithKeyPrefix sets the namespace prepended to Redis keys.
func WithKeyPrefix(p string) Option {
	return func(o *options) {
		o.keyPrefix = p
	}
}

// WithCacheSize bounds the number of keys a Memory storage keeps.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithHealthCheckInterval sets how often a Fallback probes its primary.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.healthCheckInterval = d
	}
}

func primaryDown(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrPrimaryDown, op, err)
}

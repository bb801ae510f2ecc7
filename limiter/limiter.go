// Package limiter provides fixed-window and moving-window rate limiters on top
// of a storage.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrInvalidItem is returned for a limit with a non-positive amount or
	// period, or one that does not parse.
	ErrInvalidItem = errors.New("limiter: invalid rate limit item")
	// ErrMovingWindowUnsupported is returned when a moving window is built on
	// a storage that cannot keep entry logs.
	ErrMovingWindowUnsupported = errors.New("limiter: storage does not support moving windows")
)

// Item is a rate limit: Amount events per Per.
type Item struct {
	Amount    int64
	Per       time.Duration
	Namespace string
}

// PerSecond returns an Item of n events per second.
func PerSecond(n int64) Item { return Item{Amount: n, Per: time.Second} }

// PerMinute returns an Item of n events per minute.
func PerMinute(n int64) Item { return Item{Amount: n, Per: time.Minute} }

// PerHour returns an Item of n events per hour.
func PerHour(n int64) Item { return Item{Amount: n, Per: time.Hour} }

var units = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   12 * 30 * 24 * time.Hour,
}

var itemPattern = regexp.MustCompile(`^\s*(\d+)\s*(?:/|per)\s*(\d+)?\s*(second|minute|hour|day|month|year)s?\s*$`)

// Parse parses limits such as "10/second", "10 per 2 seconds" or "100/day".
func Parse(s string) (Item, error) {
	m := itemPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidItem, s)
	}

	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %q: %v", ErrInvalidItem, s, err)
	}
	multiples := int64(1)
	if m[2] != "" {
		if multiples, err = strconv.ParseInt(m[2], 10, 64); err != nil {
			return Item{}, fmt.Errorf("%w: %q: %v", ErrInvalidItem, s, err)
		}
	}

	item := Item{Amount: amount, Per: time.Duration(multiples) * units[m[3]]}
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Validate reports whether the item can be enforced.
func (i Item) Validate() error {
	if i.Amount <= 0 || i.Per <= 0 {
		return fmt.Errorf("%w: %d per %v", ErrInvalidItem, i.Amount, i.Per)
	}
	return nil
}

// Key returns the storage key for the item and identifiers.
func (i Item) Key(ids ...string) string {
	parts := make([]string, 0, len(ids)+4)
	parts = append(parts, "LIMITER")
	if i.Namespace != "" {
		parts = append(parts, i.Namespace)
	}
	parts = append(parts, ids...)
	parts = append(parts,
		strconv.FormatInt(i.Amount, 10),
		strconv.FormatInt(int64(i.Per/time.Millisecond), 10),
	)
	return strings.Join(parts, "/")
}

func (i Item) String() string {
	return fmt.Sprintf("%d per %v", i.Amount, i.Per)
}

// WindowStats describes the current window of a limit.
type WindowStats struct {
	ResetTime time.Time
	Remaining int64
}

// Limiter enforces rate limit items.
type Limiter interface {
	// Allow is a shortcut for AllowN(ctx, item, 1, ids...).
	Allow(ctx context.Context, item Item, ids ...string) (bool, error)
	// AllowN consumes n from the limit if that keeps it within bounds.
	AllowN(ctx context.Context, item Item, n int64, ids ...string) (bool, error)
	// Test reports whether one more event would be allowed, without consuming.
	Test(ctx context.Context, item Item, ids ...string) (bool, error)
	// WindowStats returns when the current window resets and what is left.
	WindowStats(ctx context.Context, item Item, ids ...string) (WindowStats, error)
	// Clear forgets everything recorded for the limit.
	Clear(ctx context.Context, item Item, ids ...string) error
}

// Option configures a limiter.
type Option func(*base)

// WithClock sets a custom clock, for testing.
func WithClock(c clockwork.Clock) Option {
	return func(b *base) {
		b.clock = c
	}
}

type base struct {
	clock clockwork.Clock
}

func newBase(opts []Option) base {
	b := base{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// minRetry bounds how often waitN polls a limit whose reset time has passed.
const minRetry = time.Millisecond

// waitN blocks until n events can be allowed.
func (b base) waitN(ctx context.Context, l Limiter, item Item, n int64, ids []string) error {
	if n > item.Amount {
		return fmt.Errorf("limiter: Wait(n=%d) exceeds limit %v", n, item)
	}
	for {
		ok, err := l.AllowN(ctx, item, n, ids...)
		if err != nil || ok {
			return err
		}

		stats, err := l.WindowStats(ctx, item, ids...)
		if err != nil {
			return err
		}
		delay := b.clock.Until(stats.ResetTime)
		if delay < minRetry {
			delay = minRetry
		}

		if dl, ok := ctx.Deadline(); ok && b.clock.Now().Add(delay).After(dl) {
			return context.DeadlineExceeded
		}

		t := b.clock.NewTimer(delay)
		select {
		case <-t.Chan():
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

package limiter

import (
	"context"
	"errors"

	"ratewindow/storage"
)

// FixedWindow counts events in windows that start at the first event and
// last Item.Per.
type FixedWindow struct {
	base
	storage storage.Storage
}

// NewFixedWindow creates a fixed-window limiter on s.
func NewFixedWindow(s storage.Storage, opts ...Option) (*FixedWindow, error) {
	if s == nil {
		return nil, errors.New("limiter: storage is nil")
	}
	return &FixedWindow{base: newBase(opts), storage: s}, nil
}

func (l *FixedWindow) Allow(ctx context.Context, item Item, ids ...string) (bool, error) {
	return l.AllowN(ctx, item, 1, ids...)
}

// AllowN counts n events even when they push the window over its limit.
func (l *FixedWindow) AllowN(ctx context.Context, item Item, n int64, ids ...string) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	count, err := l.storage.Incr(ctx, item.Key(ids...), item.Per, n)
	if err != nil {
		return false, err
	}
	return count <= item.Amount, nil
}

func (l *FixedWindow) Test(ctx context.Context, item Item, ids ...string) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	count, err := l.storage.Get(ctx, item.Key(ids...))
	if err != nil {
		return false, err
	}
	return count < item.Amount, nil
}

func (l *FixedWindow) WindowStats(ctx context.Context, item Item, ids ...string) (WindowStats, error) {
	if err := item.Validate(); err != nil {
		return WindowStats{}, err
	}
	key := item.Key(ids...)
	count, err := l.storage.Get(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	reset, err := l.storage.GetExpiry(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	return WindowStats{ResetTime: reset, Remaining: max(0, item.Amount-count)}, nil
}

func (l *FixedWindow) Clear(ctx context.Context, item Item, ids ...string) error {
	return l.storage.Clear(ctx, item.Key(ids...))
}

// Wait blocks until one event is allowed or ctx is done.
func (l *FixedWindow) Wait(ctx context.Context, item Item, ids ...string) error {
	return l.waitN(ctx, l, item, 1, ids)
}

// WaitN blocks until n events are allowed or ctx is done. Every rejected
// attempt still counts against the window.
func (l *FixedWindow) WaitN(ctx context.Context, item Item, n int64, ids ...string) error {
	return l.waitN(ctx, l, item, n, ids)
}

var _ Limiter = (*FixedWindow)(nil)


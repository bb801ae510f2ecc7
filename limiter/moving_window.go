package limiter

import (
	"context"
	"errors"
	"fmt"

	"ratewindow/storage"
)

// MovingWindow keeps a log of entries and allows an event while fewer than
// Item.Amount entries are younger than Item.Per.
type MovingWindow struct {
	base
	storage storage.Storage
	entries storage.MovingWindow
}

// NewMovingWindow creates a moving-window limiter on s, which must implement
// storage.MovingWindow.
func NewMovingWindow(s storage.Storage, opts ...Option) (*MovingWindow, error) {
	if s == nil {
		return nil, errors.New("limiter: storage is nil")
	}
	mw, ok := s.(storage.MovingWindow)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrMovingWindowUnsupported, s)
	}
	return &MovingWindow{base: newBase(opts), storage: s, entries: mw}, nil
}

func (l *MovingWindow) Allow(ctx context.Context, item Item, ids ...string) (bool, error) {
	return l.AllowN(ctx, item, 1, ids...)
}

// AllowN records n entries only if all of them fit.
func (l *MovingWindow) AllowN(ctx context.Context, item Item, n int64, ids ...string) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	return l.entries.AcquireEntry(ctx, item.Key(ids...), item.Amount, item.Per, n)
}

func (l *MovingWindow) Test(ctx context.Context, item Item, ids ...string) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	_, count, err := l.entries.GetMovingWindow(ctx, item.Key(ids...), item.Amount, item.Per)
	if err != nil {
		return false, err
	}
	return count < item.Amount, nil
}

// WindowStats reports the window as resetting when its oldest entry leaves it.
func (l *MovingWindow) WindowStats(ctx context.Context, item Item, ids ...string) (WindowStats, error) {
	if err := item.Validate(); err != nil {
		return WindowStats{}, err
	}
	start, count, err := l.entries.GetMovingWindow(ctx, item.Key(ids...), item.Amount, item.Per)
	if err != nil {
		return WindowStats{}, err
	}
	return WindowStats{ResetTime: start.Add(item.Per), Remaining: max(0, item.Amount-count)}, nil
}

func (l *MovingWindow) Clear(ctx context.Context, item Item, ids ...string) error {
	return l.storage.Clear(ctx, item.Key(ids...))
}

// Wait blocks until one event is allowed or ctx is done.
func (l *MovingWindow) Wait(ctx context.Context, item Item, ids ...string) error {
	return l.waitN(ctx, l, item, 1, ids)
}

// WaitN blocks until n events are allowed or ctx is done.
func (l *MovingWindow) WaitN(ctx context.Context, item Item, n int64, ids ...string) error {
	return l.waitN(ctx, l, item, n, ids)
}

var _ Limiter = (*MovingWindow)(nil)

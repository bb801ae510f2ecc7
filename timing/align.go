package timing

import (
	"context"
	"testing"
	"time"
)

// nextSecond returns the smallest whole Unix second at or after t.
func nextSecond(t time.Time) time.Time {
	floor := t.Truncate(time.Second)
	if floor.Equal(t) {
		return floor
	}
	return floor.Add(time.Second)
}

// AlignStart blocks until the clock reaches the next whole-second boundary at
// or after the moment of the call, and returns the time it observed on
// return. If the call happens exactly on a boundary it returns immediately.
//
// A cooperative synchronizer returns ctx.Err() if ctx ends first.
func (s *Synchronizer) AlignStart(ctx context.Context) (time.Time, error) {
	t0 := s.clock.Now()
	boundary := nextSecond(t0)

	if err := s.waitUntil(ctx, boundary, s.alignQuantum); err != nil {
		return time.Time{}, err
	}

	now := s.clock.Now()
	s.logger.Debug().
		Time("boundary", boundary).
		Dur("waited", now.Sub(t0)).
		Msg("aligned start")
	return now, nil
}

// FixedStart wraps fn so that it starts on a whole-second boundary.
// The error returned by fn is passed through unchanged.
func (s *Synchronizer) FixedStart(fn func() error) func() error {
	return func() error {
		if _, err := s.AlignStart(context.Background()); err != nil {
			return err
		}
		return fn()
	}
}

// FixedStartContext is FixedStart for bodies that take a context. The
// context passed to the wrapper is handed to fn.
func (s *Synchronizer) FixedStartContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := s.AlignStart(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}
}

// FixedStartT wraps a test function for use with t.Run.
func (s *Synchronizer) FixedStartT(fn func(t *testing.T)) func(t *testing.T) {
	return func(t *testing.T) {
		t.Helper()
		if _, err := s.AlignStart(t.Context()); err != nil {
			t.Fatalf("align start: %v", err)
		}
		fn(t)
	}
}

// FixedStartFunc is FixedStartContext for bodies that return a value.
func FixedStartFunc[T any](s *Synchronizer, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if _, err := s.AlignStart(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	}
}

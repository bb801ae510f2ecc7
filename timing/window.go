package timing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Span is a window in whole Unix seconds, the coordinate system rate-limit
// storages bucket by.
type Span struct {
	Start int64 `yaml:"start"`
	End   int64 `yaml:"end"`
}

type windowConfig struct {
	delay    time.Duration
	hasDelay bool
}

// WindowOption configures a window.
type WindowOption func(*windowConfig)

// WithDelay holds the window back until d has elapsed since it was opened.
func WithDelay(d time.Duration) WindowOption {
	return func(c *windowConfig) {
		c.delay = d
		c.hasDelay = true
	}
}

// Window is an open bracket. It must be closed; Close does not return before
// the window's minimum duration has elapsed since it was opened.
type Window struct {
	s        *Synchronizer
	ctx      context.Context
	started  time.Time
	delayEnd time.Duration
	span     Span

	once     sync.Once
	closeErr error
}

// Open starts a window that stays open for at least delayEnd. With WithDelay
// it returns only after the delay has elapsed since the call.
//
// A cooperative synchronizer gives up the initial delay when ctx ends; the
// window is then not opened and no closing wait happens.
func (s *Synchronizer) Open(ctx context.Context, delayEnd time.Duration, opts ...WindowOption) (*Window, error) {
	var cfg windowConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if delayEnd < 0 {
		return nil, fmt.Errorf("%w: delay end %v is negative", ErrInvalidWindow, delayEnd)
	}
	if cfg.delay < 0 {
		return nil, fmt.Errorf("%w: delay %v is negative", ErrInvalidWindow, cfg.delay)
	}

	started := s.clock.Now()
	if cfg.hasDelay {
		if err := s.waitUntil(ctx, started.Add(cfg.delay), s.windowQuantum); err != nil {
			return nil, err
		}
	}

	return &Window{
		s:        s,
		ctx:      context.WithoutCancel(ctx),
		started:  started,
		delayEnd: delayEnd,
		span: Span{
			Start: started.Unix(),
			End:   started.Add(delayEnd).Unix(),
		},
	}, nil
}

// Span returns the window's whole-second start and end.
func (w *Window) Span() Span {
	return w.span
}

// Started returns the exact time the window was opened.
func (w *Window) Started() time.Time {
	return w.started
}

// Close waits until the window's minimum duration has elapsed. Cancellation
// of the context the window was opened with does not shorten the wait.
// Calling Close more than once waits only the first time.
func (w *Window) Close() error {
	w.once.Do(func() {
		w.closeErr = w.s.waitUntil(w.ctx, w.started.Add(w.delayEnd), w.s.windowQuantum)
		w.s.logger.Debug().
			Int64("start", w.span.Start).
			Int64("end", w.span.End).
			Dur("elapsed", w.s.clock.Since(w.started)).
			Msg("window closed")
	})
	return w.closeErr
}

// Window opens a window, runs body with its span and closes it on every exit
// path, including a panic in body. The error returned by body is passed
// through unchanged.
func (s *Synchronizer) Window(ctx context.Context, delayEnd time.Duration, body func(Span) error, opts ...WindowOption) (err error) {
	w, err := s.Open(ctx, delayEnd, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	return body(w.Span())
}

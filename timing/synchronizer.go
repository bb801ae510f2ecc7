// Package timing aligns test starts to whole-second boundaries and brackets
// test bodies in windows of guaranteed minimum duration, so that assertions
// against time-bucketed rate limiters are repeatable.
package timing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAlignQuantum is how long the aligner waits between clock reads.
	DefaultAlignQuantum = 10 * time.Millisecond
	// DefaultWindowQuantum is how long a window waits between clock reads.
	DefaultWindowQuantum = time.Millisecond
)

// ErrInvalidWindow is returned when a window is opened with a negative
// duration or delay.
var ErrInvalidWindow = errors.New("timing: invalid window")

// Synchronizer runs the alignment and window algorithms on top of a Clock and
// a Waiter. It holds no per-call state and is safe for concurrent use.
type Synchronizer struct {
	clock         Clock
	waiter        Waiter
	cooperative   bool
	alignQuantum  time.Duration
	windowQuantum time.Duration
	logger        zerolog.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock sets a custom clock, for testing.
func WithClock(c Clock) Option {
	return func(s *Synchronizer) {
		s.clock = c
	}
}

// WithWaiter replaces the waiter derived from the clock.
func WithWaiter(w Waiter) Option {
	return func(s *Synchronizer) {
		s.waiter = w
	}
}

// WithAlignQuantum sets the polling quantum used by AlignStart.
// Zero waits out the remainder in a single timer.
func WithAlignQuantum(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.alignQuantum = d
	}
}

// WithWindowQuantum sets the polling quantum used by windows.
// Zero waits out the remainder in a single timer.
func WithWindowQuantum(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.windowQuantum = d
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = l
	}
}

// New creates a blocking Synchronizer.
func New(opts ...Option) *Synchronizer {
	return newSynchronizer(false, opts)
}

// NewCooperative creates a Synchronizer whose waits suspend on timers and
// honour context cancellation.
func NewCooperative(opts ...Option) *Synchronizer {
	return newSynchronizer(true, opts)
}

func newSynchronizer(cooperative bool, opts []Option) *Synchronizer {
	s := &Synchronizer{
		clock:         NewRealClock(),
		cooperative:   cooperative,
		alignQuantum:  DefaultAlignQuantum,
		windowQuantum: DefaultWindowQuantum,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alignQuantum < 0 {
		s.alignQuantum = 0
	}
	if s.windowQuantum < 0 {
		s.windowQuantum = 0
	}
	if s.waiter == nil {
		if cooperative {
			s.waiter = CooperativeWaiter(s.clock)
		} else {
			s.waiter = BlockingWaiter(s.clock)
		}
	}
	return s
}

// Cooperative reports whether the synchronizer was built by NewCooperative.
func (s *Synchronizer) Cooperative() bool {
	return s.cooperative
}

// Clock returns the clock the synchronizer reads.
func (s *Synchronizer) Clock() Clock {
	return s.clock
}

// waitUntil polls the clock until it reads at or after target.
func (s *Synchronizer) waitUntil(ctx context.Context, target time.Time, quantum time.Duration) error {
	for {
		remaining := target.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil
		}
		if quantum > 0 && quantum < remaining {
			remaining = quantum
		}
		if err := s.waiter.Wait(ctx, remaining); err != nil {
			return err
		}
	}
}

package timing

import (
	"context"
	"time"
)

var (
	blocking    = New()
	cooperative = NewCooperative()
)

// FixedStart aligns fn to the next whole second using a blocking synchronizer
// on the system clock.
func FixedStart(fn func() error) func() error {
	return blocking.FixedStart(fn)
}

// FixedStartContext aligns fn to the next whole second using a cooperative
// synchronizer on the system clock.
func FixedStartContext(fn func(context.Context) error) func(context.Context) error {
	return cooperative.FixedStartContext(fn)
}

// WithWindow runs body inside a blocking window on the system clock.
func WithWindow(delayEnd time.Duration, body func(Span) error, opts ...WindowOption) error {
	return blocking.Window(context.Background(), delayEnd, body, opts...)
}

// WithWindowContext runs body inside a cooperative window on the system clock.
func WithWindowContext(ctx context.Context, delayEnd time.Duration, body func(Span) error, opts ...WindowOption) error {
	return cooperative.Window(ctx, delayEnd, body, opts...)
}

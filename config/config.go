// Package config loads the harness settings: polling quanta, enabled backend
// marks and log level.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ratewindow/backend"
	"ratewindow/timing"
)

var (
	// ErrConfigNil is returned when validating a nil configuration.
	ErrConfigNil = errors.New("config: configuration is nil")
	// ErrInvalidQuantum is returned for a negative polling quantum.
	ErrInvalidQuantum = errors.New("config: polling quantum must not be negative")
	// ErrInvalidLogLevel is returned for a log level zerolog does not know.
	ErrInvalidLogLevel = errors.New("config: invalid log level")
)

// Config is the harness configuration.
type Config struct {
	Timing   TimingConfig   `mapstructure:"timing" yaml:"timing"`
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// TimingConfig configures the synchronizers.
type TimingConfig struct {
	// AlignQuantum caps a single wait while aligning to a second boundary.
	AlignQuantum time.Duration `mapstructure:"align_quantum" yaml:"align_quantum"`
	// WindowQuantum caps a single wait inside a window.
	WindowQuantum time.Duration `mapstructure:"window_quantum" yaml:"window_quantum"`
	// Cooperative selects context-aware waiting.
	Cooperative bool `mapstructure:"cooperative" yaml:"cooperative"`
}

// BackendsConfig selects the storage backends tests run against.
type BackendsConfig struct {
	Marks []string `mapstructure:"marks" yaml:"marks"`
	// File replaces the built-in backend tables when set.
	File string `mapstructure:"file" yaml:"file"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File additionally writes JSON logs to a rotated file when set.
	File string `mapstructure:"file" yaml:"file"`
}

// Enabled implements backend.Selector.
func (c *Config) Enabled(m backend.Mark) bool {
	for _, s := range c.Backends.Marks {
		if strings.TrimSpace(s) == string(m) {
			return true
		}
	}
	return false
}

// Synchronizer builds a synchronizer from the timing settings.
func (c *Config) Synchronizer(logger zerolog.Logger) *timing.Synchronizer {
	opts := []timing.Option{
		timing.WithAlignQuantum(c.Timing.AlignQuantum),
		timing.WithWindowQuantum(c.Timing.WindowQuantum),
		timing.WithLogger(logger),
	}
	if c.Timing.Cooperative {
		return timing.NewCooperative(opts...)
	}
	return timing.New(opts...)
}

// Matrix returns the backend tables, read from Backends.File if set.
func (c *Config) Matrix() (backend.Matrix, error) {
	if c.Backends.File == "" {
		return backend.Default(), nil
	}
	f, err := os.Open(c.Backends.File)
	if err != nil {
		return nil, fmt.Errorf("config: open backend tables: %w", err)
	}
	defer f.Close()
	return backend.Load(f)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	return lvl, nil
}

// Validate checks cfg for values the harness cannot use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}
	if cfg.Timing.AlignQuantum < 0 {
		return fmt.Errorf("%w: timing.align_quantum=%v", ErrInvalidQuantum, cfg.Timing.AlignQuantum)
	}
	if cfg.Timing.WindowQuantum < 0 {
		return fmt.Errorf("%w: timing.window_quantum=%v", ErrInvalidQuantum, cfg.Timing.WindowQuantum)
	}
	if _, err := cfg.LogLevel(); err != nil {
		return err
	}
	return nil
}

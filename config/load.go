package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ratewindow/timing"
)

// EnvPrefix prefixes environment overrides, e.g. RATEWINDOW_LOG_LEVEL.
const EnvPrefix = "RATEWINDOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("timing.align_quantum", timing.DefaultAlignQuantum)
	v.SetDefault("timing.window_quantum", timing.DefaultWindowQuantum)
	v.SetDefault("timing.cooperative", false)
	v.SetDefault("backends.marks", []string{})
	v.SetDefault("backends.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// NewViper returns a viper instance with defaults and environment overrides
// set up, for callers that bind their own flags before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from, highest precedence first, the environment,
// the YAML file at path if path is not empty, and the built-in defaults.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOption()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}

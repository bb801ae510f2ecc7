package probe

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"ratewindow/timing"
)

// Round is the outcome of one aligned window.
type Round struct {
	Index int         `yaml:"index"`
	Span  timing.Span `yaml:"span"`
	// Overshoot is how far past the second boundary the round started.
	Overshoot time.Duration `yaml:"overshoot"`
	// Busy is how long the workers took, measured from the window start.
	Busy time.Duration `yaml:"busy"`
	// Overrun is how far past its requested end the window closed.
	Overrun   time.Duration `yaml:"overrun"`
	Allowed   int64         `yaml:"allowed"`
	Blocked   int64         `yaml:"blocked"`
	Failed    int64         `yaml:"failed"`
	OverLimit bool          `yaml:"over_limit"`
}

// Report summarises a probe run.
type Report struct {
	RunID       string        `yaml:"run_id"`
	URI         string        `yaml:"uri"`
	Strategy    string        `yaml:"strategy"`
	Limit       string        `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	Delay       time.Duration `yaml:"delay"`
	Workers     int           `yaml:"workers"`
	Requests    int           `yaml:"requests"`
	Cooperative bool          `yaml:"cooperative"`

	Allowed      int64         `yaml:"allowed"`
	Blocked      int64         `yaml:"blocked"`
	Failed       int64         `yaml:"failed"`
	MaxOvershoot time.Duration `yaml:"max_overshoot"`
	MaxOverrun   time.Duration `yaml:"max_overrun"`
	// OverLimit counts rounds that let more hits through than the limit.
	OverLimit int     `yaml:"over_limit"`
	Rounds    []Round `yaml:"rounds"`
}

func newReport(cfg Config, runID string, cooperative bool) *Report {
	return &Report{
		RunID:       runID,
		URI:         cfg.URI,
		Strategy:    cfg.Strategy,
		Limit:       cfg.Limit.String(),
		Window:      cfg.Window,
		Delay:       cfg.Delay,
		Workers:     cfg.Workers,
		Requests:    cfg.Requests,
		Cooperative: cooperative,
	}
}

func (r *Report) add(round Round) {
	r.Rounds = append(r.Rounds, round)
	r.Allowed += round.Allowed
	r.Blocked += round.Blocked
	r.Failed += round.Failed
	r.MaxOvershoot = max(r.MaxOvershoot, round.Overshoot)
	r.MaxOverrun = max(r.MaxOverrun, round.Overrun)
	if round.OverLimit {
		r.OverLimit++
	}
}

// WriteYAML writes the report to w as a YAML document.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

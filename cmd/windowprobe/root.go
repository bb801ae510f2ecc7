package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ratewindow/backend"
	"ratewindow/config"
	"ratewindow/limiter"
	"ratewindow/probe"
)

type flags struct {
	configFile string
	uri        string
	set        string
	backendID  string
	limit      string
	strategy   string
	window     time.Duration
	delay      time.Duration
	interval   time.Duration
	rounds     int
	workers    int
	requests   int
	fallback   bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}
	v := config.NewViper()
	var logFile io.Closer = nopCloser{}

	cmd := &cobra.Command{
		Use:   "windowprobe",
		Short: "Probe a rate limiter with second-aligned windows of traffic",
		Long: `windowprobe aligns each round to the next whole second, opens a window
of --window, lets --workers workers send --requests hits each and reports
pass/block counts together with how far the start and end of every window
strayed from the wall clock.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, f.configFile); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			lvl, err := cfg.LogLevel()
			if err != nil {
				return err
			}
			logger, closer := newLogger(stderr, lvl, cfg.Log.File)
			logFile = closer
			cmd.SetContext(logger.WithContext(cmd.Context()))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer logFile.Close()
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return run(cmd, f, cfg, stdout)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "YAML configuration file")
	fl.StringVar(&f.uri, "uri", "memory://", "storage connection URI")
	fl.StringVar(&f.set, "set", backend.AllStorage, "backend set to resolve --backend in")
	fl.StringVar(&f.backendID, "backend", "", "backend id whose URI and options replace --uri")
	fl.StringVar(&f.limit, "limit", "10/second", "rate limit, e.g. 10/second or 5 per 2 seconds")
	fl.StringVar(&f.strategy, "strategy", probe.FixedWindow, "fixed-window or moving-window")
	fl.DurationVar(&f.window, "window", time.Second, "how long each round lasts")
	fl.DurationVar(&f.delay, "delay", 0, "hold workers back this long after a round starts")
	fl.DurationVar(&f.interval, "interval", 0, "pause between a worker's requests")
	fl.IntVar(&f.rounds, "rounds", 3, "number of rounds")
	fl.IntVar(&f.workers, "workers", 4, "concurrent workers per round")
	fl.IntVar(&f.requests, "requests", 10, "requests per worker per round")
	fl.BoolVar(&f.fallback, "fallback", false, "degrade to in-process storage when the backend goes down")
	fl.Bool("cooperative", false, "wait cooperatively so interrupts cut rounds short")
	fl.String("log-level", "info", "log level")
	fl.String("log-file", "", "also write JSON logs to this rotated file")

	_ = v.BindPFlag("timing.cooperative", fl.Lookup("cooperative"))
	_ = v.BindPFlag("log.level", fl.Lookup("log-level"))
	_ = v.BindPFlag("log.file", fl.Lookup("log-file"))

	return cmd
}

func run(cmd *cobra.Command, f *flags, cfg *config.Config, stdout io.Writer) error {
	ctx := cmd.Context()
	logger := zerolog.Ctx(ctx)

	item, err := limiter.Parse(f.limit)
	if err != nil {
		return err
	}

	uri, opts := f.uri, backend.Options(nil)
	if f.backendID != "" {
		b, err := lookupBackend(cfg, f.set, f.backendID)
		if err != nil {
			return err
		}
		uri, opts = b.URI, b.Options
		logger.Info().Str("backend", b.ID).Str("uri", uri).Msg("resolved backend")
	}

	report, err := probe.Run(ctx, probe.Config{
		URI:      uri,
		Options:  opts,
		Limit:    item,
		Strategy: f.strategy,
		Window:   f.window,
		Delay:    f.delay,
		Rounds:   f.rounds,
		Workers:  f.workers,
		Requests: f.requests,
		Interval: f.interval,
		Fallback: f.fallback,
		Sync:     cfg.Synchronizer(*logger),
		Logger:   *logger,
	})
	if err != nil {
		return err
	}
	return report.WriteYAML(stdout)
}

func lookupBackend(cfg *config.Config, setName, id string) (backend.Backend, error) {
	m, err := cfg.Matrix()
	if err != nil {
		return backend.Backend{}, err
	}
	set, err := m.Set(setName)
	if err != nil {
		return backend.Backend{}, err
	}
	b, err := set.Get(id)
	if err != nil {
		return backend.Backend{}, err
	}
	if !b.Runnable(cfg) {
		return backend.Backend{}, fmt.Errorf("backend %s needs marks %v; enable them with RATEWINDOW_BACKENDS_MARKS", b.ID, b.Marks)
	}
	return b, nil
}

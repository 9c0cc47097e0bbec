package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/ecoscan/internal/api"
	"github.com/Dicklesworthstone/ecoscan/internal/config"
	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
	"github.com/Dicklesworthstone/ecoscan/internal/pipeline"
	"github.com/Dicklesworthstone/ecoscan/internal/sampler"
	"github.com/Dicklesworthstone/ecoscan/internal/sink"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
	"github.com/Dicklesworthstone/ecoscan/internal/ui"
)

var (
	configPath string
	flags      *config.Flags
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ecoscan",
	Short: "Process footprint and license usage monitor",
	Long: `ecoscan samples running processes on a fixed interval, keeps a rolling window per
process name and reports memory, CPU, estimated carbon footprint and license costs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath, flags); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		logLvl, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Wrap(err, "invalid log level")
		}
		log.SetLevel(logLvl)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or TOML config file")
	flags = config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(exportCmd, reportCmd, killCmd)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func interactive() bool {
	return !cfg.Headless && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

func openStore() (store.Store, error) {
	opts := []store.Option{store.WithHourlyRetention(cfg.HourlyRetention)}
	if cfg.Store == config.StoreSQL {
		return store.OpenSQL(cfg.DBPath, opts...)
	}
	return store.NewMemory(opts...), nil
}

func openSinks() ([]sink.Sink, func(), error) {
	var sinks []sink.Sink
	closer := func() {}
	if cfg.ExportJSON != "" {
		sinks = append(sinks, sink.NewJSON(cfg.ExportJSON))
	}
	if cfg.ExportSQL != "" {
		s, err := sink.OpenSQL(cfg.ExportSQL)
		if err != nil {
			return nil, closer, err
		}
		sinks = append(sinks, s)
		closer = func() {
			if err := s.Close(); err != nil {
				log.WithError(err).Warn("closing sink database")
			}
		}
	}
	return sinks, closer, nil
}

func runMonitor(ctx context.Context) error {
	tui := interactive()
	if tui {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	costs, err := footprint.LoadLicenseTable(cfg.LicenseFile)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sinks, closeSinks, err := openSinks()
	if err != nil {
		return err
	}
	defer closeSinks()

	telemetry := pipeline.NewTelemetry()
	persister := sink.NewPersister(sinks,
		sink.WithRetries(cfg.PersistRetries),
		sink.WithFailureHook(telemetry.PersistFailed),
	)
	p, err := pipeline.New(cfg, pipeline.Deps{
		Sampler:   sampler.New(),
		Store:     st,
		Costs:     costs,
		Persister: persister,
		Telemetry: telemetry,
		Terminate: sampler.Terminate,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"interval": cfg.Interval,
		"window":   cfg.WindowSize,
		"store":    cfg.Store,
		"licenses": costs.Len(),
	}).Info("starting monitor")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return persister.Run(gctx) })
	if cfg.WatchLicenses {
		g.Go(func() error { return costs.Watch(gctx, cfg.LicenseFile) })
	}
	if cfg.Listen != "" {
		g.Go(func() error { return api.NewServer(p).ListenAndServe(gctx, cfg.Listen) })
	}
	if tui {
		g.Go(func() error {
			defer cancel()
			return ui.RunTUI(gctx, p, cfg.TopN)
		})
	} else {
		g.Go(func() error { return logViews(gctx, p.Views()) })
	}

	err = g.Wait()
	if persister.Enabled() {
		if last := p.Latest(); !last.TakenAt.IsZero() {
			if ferr := persister.Flush(context.Background(), last); ferr != nil {
				err = errors.Combine(err, ferr)
			}
		}
	}
	log.Info("monitor stopped")
	return err
}

// logViews is the headless stand-in for the dashboard.
func logViews(ctx context.Context, views <-chan model.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-views:
			fields := log.Fields{"processes": len(snap.Rows), "stale_licenses": len(snap.Stale)}
			if top := snap.Top(1); len(top) == 1 {
				fields["top"] = top[0].Name
				fields["top_memory_mb"] = fmt.Sprintf("%.1f", top[0].AvgMemoryMB)
			}
			if n := len(snap.Hourly); n > 0 {
				fields["hour_carbon_kg"] = snap.Hourly[n-1].TotalCarbonKg
			}
			log.WithFields(fields).Info("snapshot")
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/graybear-io/gbe-nexus/internal/config"
	"github.com/graybear-io/gbe-nexus/internal/runtime"
	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
	logpkg "github.com/graybear-io/gbe-nexus/pkg/log"
)

func parseLevel(s string) logpkg.Level {
	switch s {
	case "debug":
		return logpkg.DebugLevel
	case "warn":
		return logpkg.WarnLevel
	case "error":
		return logpkg.ErrorLevel
	default:
		return logpkg.InfoLevel
	}
}

func newLogger(level, format string) logpkg.Logger {
	opts := []logpkg.LoggerOption{logpkg.WithLevel(parseLevel(level)), logpkg.WithOutput(logpkg.NewConsoleOutput())}
	if format == "json" {
		opts = append(opts, logpkg.WithFormatter(&logpkg.JSONFormatter{}))
	} else {
		opts = append(opts, logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	return logpkg.NewLogger(opts...)
}

func parseFsyncMode(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "", "always":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("invalid --fsync; use always|interval|never")
	}
}

func openRuntime(cmd *cobra.Command, logger logpkg.Logger) (*runtime.Runtime, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	fsyncMode, _ := cmd.Flags().GetString("fsync")
	fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
	configPath, _ := cmd.Flags().GetString("config")

	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	mode, err := parseFsyncMode(fsyncMode)
	if err != nil {
		return nil, err
	}

	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)

	return runtime.Open(runtime.Options{
		DataDir:       dataDir,
		Fsync:         mode,
		FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
		Config:        cfg,
		Logger:        logger,
	})
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")
	cmd.Flags().String("config", "", "Path to a JSON or YAML config file")
	cmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	cmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	cmd.Flags().String("log-level", os.Getenv("GBE_LOG_LEVEL"), "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", os.Getenv("GBE_LOG_FORMAT"), "Log format: text|json")
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "gbenexusd",
		Short: "gbe-nexus runtime CLI",
		Long:  "gbe-nexus is a single-binary messaging substrate: Transport pub/sub, State Store, Sweeper, and Archiver.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the Sweeper and Archiver loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			logger := newLogger(logLevel, logFormat)

			rt, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("gbe-nexus starting",
				logpkg.Str("transport_backend", rt.Config().Transport.Backend),
				logpkg.Str("statestore_backend", rt.Config().StateStore.Backend),
				logpkg.Bool("sweeper_enabled", rt.Config().Sweeper.Enabled),
				logpkg.Bool("archiver_enabled", rt.Config().Archiver.Enabled),
			)

			errCh := make(chan error, 2)
			running := 0
			if sw := rt.Sweeper(); sw != nil {
				running++
				go func() { sw.Run(ctx); errCh <- nil }()
			}
			if ar := rt.Archiver(); ar != nil {
				running++
				go func() { errCh <- ar.Run(ctx) }()
			}
			if running == 0 {
				logger.Warn("neither sweeper nor archiver is enabled; idling until interrupted")
				<-ctx.Done()
				return nil
			}

			var firstErr error
			for i := 0; i < running; i++ {
				if err := <-errCh; err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
	addCommonFlags(serverStartCmd)
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	sweepCmd := &cobra.Command{Use: "sweep", Short: "One-shot sweeper operations"}
	sweepOnceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single Sweeper tick and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			rt, err := openRuntime(cmd, newLogger(logLevel, logFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			sw := rt.Sweeper()
			if sw == nil {
				return fmt.Errorf("sweeper is disabled in config; set sweeper.enabled: true")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			report, err := sw.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("stuck=%d retried=%d failed_by_budget=%d trimmed=%d\n",
				report.StuckCount, report.RetriedCount, report.FailedByBudget, report.TrimmedCount)
			return nil
		},
	}
	addCommonFlags(sweepOnceCmd)
	sweepCmd.AddCommand(sweepOnceCmd)
	rootCmd.AddCommand(sweepCmd)

	archiveCmd := &cobra.Command{Use: "archive", Short: "One-shot archiver operations"}
	archiveOnceCmd := &cobra.Command{
		Use:   "once",
		Short: "Drain every configured archival stream once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			timeoutSeconds, _ := cmd.Flags().GetInt("timeout-seconds")
			rt, err := openRuntime(cmd, newLogger(logLevel, logFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			ar := rt.Archiver()
			if ar == nil {
				return fmt.Errorf("archiver is disabled in config; set archiver.enabled: true")
			}
			// Run blocks until ctx is cancelled, flushing every worker's
			// buffer before returning; the --timeout-seconds flag bounds how
			// long a "once" run drains.
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
			defer cancel()
			return ar.Run(ctx)
		},
	}
	archiveOnceCmd.Flags().Int("timeout-seconds", 30, "How long to drain before flushing and exiting")
	addCommonFlags(archiveOnceCmd)
	archiveCmd.AddCommand(archiveOnceCmd)
	rootCmd.AddCommand(archiveCmd)

	nsCmd := &cobra.Command{Use: "namespace", Short: "Namespace operations"}
	nsCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a namespace record if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			rt, err := openRuntime(cmd, newLogger(logLevel, logFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			meta, err := rt.EnsureNamespace(name)
			if err != nil {
				return err
			}
			fmt.Printf("namespace %q ready (created_at_ms=%d)\n", meta.Name, meta.CreatedAtMs)
			return nil
		},
	}
	nsCreateCmd.Flags().String("name", "default", "Namespace name")
	addCommonFlags(nsCreateCmd)
	nsCmd.AddCommand(nsCreateCmd)
	rootCmd.AddCommand(nsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

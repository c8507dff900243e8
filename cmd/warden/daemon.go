package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/api"
	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/daemon"
	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/journal"
	"github.com/benaskins/warden/internal/logbuf"
	"github.com/benaskins/warden/internal/logging"
	"github.com/benaskins/warden/internal/metrics"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the warden supervisor",
	Long: `Run the supervisor and its control API.

In direct mode the gateway is brought up once at boot and kept up by crash
restarts. In reconcile mode a loop drives the gateway toward desired.json,
so desired state can be changed with "warden desire" without the API.`,
	RunE: runDaemon,
}

var (
	daemonMode  string
	metricsAddr string
	stopOnExit  bool
)

func init() {
	daemonCmd.Flags().StringVar(&daemonMode, "mode", "direct", "supervision mode: direct or reconcile")
	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this TCP address (e.g. 127.0.0.1:9464)")
	daemonCmd.Flags().BoolVar(&stopOnExit, "stop-on-exit", false, "stop the gateway when the supervisor exits")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonMode != "direct" && daemonMode != "reconcile" {
		return fmt.Errorf("unknown mode %q (want direct or reconcile)", daemonMode)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Supervisor.StateDir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	output := logbuf.New(cfg.Log.BufLines)
	var sink io.Writer = output
	if lf := (driver.LogFile{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}).Open(); lf != nil {
		defer lf.Close()
		sink = io.MultiWriter(output, lf)
	}

	sup := daemon.New(cfg,
		daemon.WithOutput(output),
		daemon.WithJournal(j),
		daemon.WithLauncher(&driver.ExecLauncher{Sink: sink, Logger: slog.With("component", "launcher")}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var metricsSrv *http.Server
	if metricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics listening", "addr", metricsAddr)
	}

	srv := api.NewServer(sup)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath(cfg))
	}()

	slog.Info("warden starting",
		"mode", daemonMode,
		"target", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"state_dir", cfg.Supervisor.StateDir)

	switch daemonMode {
	case "reconcile":
		r := daemon.NewReconciler(sup, cfg.Supervisor.ReconcileInterval.Duration)
		go r.Run(ctx)
	default:
		go func() {
			if err := sup.EnsureRunning(ctx); err != nil {
				slog.Error("gateway not running", "error", err)
			}
		}()
	}

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout.Duration+5*time.Second)
	defer done()

	if stopOnExit {
		if err := sup.Stop(shutdownCtx); err != nil {
			slog.Error("stopping gateway", "error", err)
		}
	}
	srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	sup.Close()
	os.Remove(socketPath(cfg))

	slog.Info("warden stopped")
	return nil
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	var sinks []journal.Sink

	fs, err := journal.NewFileSink(journalPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	sinks = append(sinks, fs)

	if cfg.Journal.SQLite != "" {
		ss, err := journal.NewSQLiteSink(cfg.Journal.SQLite)
		if err != nil {
			fs.Close()
			return nil, fmt.Errorf("opening sqlite journal: %w", err)
		}
		sinks = append(sinks, ss)
	}
	return journal.New(slog.Default(), sinks...), nil
}

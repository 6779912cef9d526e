package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/metrics"
)

type globalOptions struct {
	ConfigPath  string
	Debug       bool
	MetricsAddr string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "reel",
		Short:         "Media decoding and playback pipeline",
		Long:          "reel opens media sources, decodes their streams and presents samples on a shared clock to a sink.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	flags.BoolVar(&opts.Debug, "debug", os.Getenv("DEBUG") != "", "Enable debug logging")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newPlayCommand(opts))
	cmd.AddCommand(newGenCommand(opts))
	cmd.AddCommand(newReceiveCommand(opts))
	return cmd
}

// env is what every command starts from.
type env struct {
	cfg *config.Config
	log *slog.Logger
	reg *prometheus.Registry
}

func (o *globalOptions) load(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Addr = o.MetricsAddr
	}
	log := cfg.Log.Logger(cmd.ErrOrStderr(), o.Debug)
	slog.SetDefault(log)
	return &env{cfg: cfg, log: log, reg: prometheus.NewRegistry()}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// serveMetrics starts the metrics server in g when an address is
// configured. It shuts down when ctx is done.
func (e *env) serveMetrics(ctx context.Context, g *errgroup.Group) *metrics.Metrics {
	m := metrics.New(e.reg)
	addr := e.cfg.Metrics.Addr
	if addr == "" {
		return m
	}
	srv := metrics.NewServer(addr, e.reg, e.log)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	return m
}

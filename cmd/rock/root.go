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

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mirkobrombin/go-rock/v1/config"
	"github.com/mirkobrombin/go-rock/v1/logging"
	"github.com/mirkobrombin/go-rock/v1/metrics"
	"github.com/mirkobrombin/go-rock/v1/presets"
)

// app holds what every subcommand needs once the root command has run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stack  *presets.Stack

	cleanup []func(context.Context) error
}

var (
	configPath string
	state      = &app{}
)

var rootCmd = &cobra.Command{
	Use:   "rock",
	Short: "rock runs operations under distributed locks",
	Long: `rock resolves lock backends from extension manifests and runs guarded
operations against them. Configuration is read from --config, ./rock.yaml
and ROCK_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := state.setup(cmd); err != nil {
			_ = state.shutdown(cmd.Context())
			return err
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return state.shutdown(cmd.Context())
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	rootCmd.PersistentFlags().String("backend", "", "override lock.type")
	rootCmd.AddCommand(backendsCmd, incrCmd, holdCmd)
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if b, _ := cmd.Flags().GetString("backend"); b != "" {
		cfg.Lock.Type = b
	}
	config.ApplyDefaults(cfg)
	a.cfg = cfg

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.logger = logger
	a.cleanup = append(a.cleanup, func(context.Context) error { return closer.Close() })

	tp, err := a.telemetry()
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		a.serveMetrics(cfg.Metrics.Addr)
	}

	st, err := presets.New(cfg, presets.WithLogger(logger), presets.WithTracerProvider(tp))
	if err != nil {
		return err
	}
	a.stack = st
	a.cleanup = append(a.cleanup, func(context.Context) error { return st.Close() })
	return nil
}

// telemetry returns a stdout span exporter when enabled, a no-op otherwise.
func (a *app) telemetry() (trace.TracerProvider, error) {
	if !a.cfg.Telemetry.Enabled {
		return noop.NewTracerProvider(), nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	a.cleanup = append(a.cleanup, tp.Shutdown)
	return tp, nil
}

func (a *app) serveMetrics(addr string) {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	metrics.RegisterExtensionMetrics(reg)
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
	a.cleanup = append(a.cleanup, srv.Shutdown)
}

func (a *app) shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanup = nil
	return errors.Join(errs...)
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}

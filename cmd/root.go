/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/loqa-voice-go/internal/config"
	"github.com/loqalabs/loqa-voice-go/internal/observe"
	"github.com/loqalabs/loqa-voice-go/internal/session"
)

const sentryFlushTimeout = 2 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries the state shared by every command.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	outMu  sync.Mutex

	configPath  string
	logLevel    string
	logFormat   string
	baseURL     string
	metricsAddr string

	cfg         *config.Config
	logger      *slog.Logger
	flushSentry func()
}

func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	return &cli{
		in:          in,
		out:         out,
		errOut:      errOut,
		logger:      slog.Default(),
		flushSentry: func() {},
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "loqa-voice",
		Short:         "Talk to Loqa agents from the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.flushSentry()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file (default: built-in settings and environment)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format: text, json")
	root.PersistentFlags().StringVar(&c.baseURL, "server", "", "voice service base URL")
	root.PersistentFlags().StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newCallCmd(c))
	root.AddCommand(newEventsCmd(c))
	return root
}

// setup loads the configuration, applies flag overrides and installs the
// logger and error reporting.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.errorf("❌ %v\n", err)
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = config.LogLevel(c.logLevel)
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = config.LogFormat(c.logFormat)
	}
	if flags.Changed("server") {
		cfg.Server.BaseURL = c.baseURL
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr = c.metricsAddr
	}
	if err := config.Validate(cfg); err != nil {
		c.errorf("❌ %v\n", err)
		return err
	}

	c.cfg = cfg
	c.logger = newLogger(c.errOut, cfg.Log)
	slog.SetDefault(c.logger)

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		})
		if err != nil {
			c.logger.Warn("sentry init failed", "err", err)
		} else {
			c.logger.Debug("sentry initialized")
			c.flushSentry = func() { sentry.Flush(sentryFlushTimeout) }
		}
	}
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if cfg.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// reportError sends a failed call to Sentry, tagged for correlation with
// the service logs. Without a configured client it does nothing.
func reportError(err error, sessionID, agentID string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", sessionID)
		scope.SetTag("agent_id", agentID)
		scope.SetTag("error_kind", session.KindOf(err).String())
		sentry.CaptureException(err)
	})
}

// meterProvider returns the Prometheus-backed provider when a metrics
// address is configured and a no-op provider otherwise.
func (c *cli) meterProvider(ctx context.Context) (metric.MeterProvider, func(context.Context) error, error) {
	if c.cfg.Metrics.ListenAddr == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}
	mp, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	return mp, shutdown, nil
}

func (c *cli) metrics(ctx context.Context) (*observe.Metrics, func(context.Context) error, error) {
	mp, shutdown, err := c.meterProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	m, err := observe.NewMetrics(mp)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, fmt.Errorf("create metrics: %w", err)
	}
	return m, shutdown, nil
}

// serveMetrics runs the scrape endpoint when one is configured.
func (c *cli) serveMetrics(ctx context.Context) error {
	addr := c.cfg.Metrics.ListenAddr
	if addr == "" {
		return nil
	}
	c.logger.Info("serving metrics", "addr", addr)
	if err := observe.Serve(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (c *cli) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) errorf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.errOut, format, args...)
}

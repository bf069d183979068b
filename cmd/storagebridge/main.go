// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Command storagebridge collects inventory and performance data from storage
// arrays of several vendors and exposes it as one metric model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/platformbuilds/storagebridge/internal/api"
	"github.com/platformbuilds/storagebridge/internal/config"
	"github.com/platformbuilds/storagebridge/internal/logging"
	"github.com/platformbuilds/storagebridge/internal/tracing"
	"github.com/platformbuilds/storagebridge/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "storagebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("storagebridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "/etc/storagebridge/config.yaml", "path to config yaml")
	showVersion := fs.Bool("version", false, "print version and exit")
	once := fs.Bool("once", false, "collect every array once, print the metrics and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, shutdownLogs, err := logging.New(ctx, cfg.Log, stderr)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = shutdownLogs(context.Background()) }()
	slog.SetDefault(log)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	log.Info("storagebridge starting", "version", version.Version(), "vendors", vendorNames())

	if *once {
		// a single pass is printed, not shipped
		cfg.Exports.OTLP.Enabled = false
		cfg.Exports.RemoteWrite.Enabled = false
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if *once {
		return a.collectOnce(ctx, stdout)
	}
	return a.serve(ctx, cfg)
}

// collectOnce runs a single pass and prints the registry in text format.
func (a *app) collectOnce(ctx context.Context, w io.Writer) error {
	a.current().CollectOnce(ctx)
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	if err := a.current().Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if cfg.Watch.Enabled {
		if err := a.watch(ctx, cfg.Watch); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	}

	handler := api.NewHandler(a, a.metrics, a.metrics.Handler(), a.log)
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	if err := a.stop(shutdownCtx); err != nil {
		a.log.Warn("storage manager shutdown", "error", err)
	}
	return serveErr
}

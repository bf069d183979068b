// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger. Records go to a text or JSON
// handler and, when enabled, are also emitted as OTLP log records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/platformbuilds/storagebridge/internal/version"
)

// Config selects level, format and the optional OTLP bridge
type Config struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	OTLP   OTLPConfig `yaml:"otlp"`
}

// OTLPConfig configures the OTLP log exporter. Protocol is "http"
// (default) or "grpc"; URLPath only applies to http.
type OTLPConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Protocol      string            `yaml:"protocol"`
	Endpoint      string            `yaml:"endpoint"`
	URLPath       string            `yaml:"url_path"`
	Insecure      bool              `yaml:"insecure"`
	Headers       map[string]string `yaml:"headers"`
	ExportTimeout time.Duration     `yaml:"export_timeout"`
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// New returns the logger described by cfg writing to w. The returned
// shutdown function flushes the OTLP bridge and is never nil.
func New(ctx context.Context, cfg Config, w io.Writer) (*slog.Logger, func(context.Context) error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	noop := func(context.Context) error { return nil }
	if !cfg.OTLP.Enabled {
		return slog.New(h), noop, nil
	}

	provider, err := newProvider(ctx, cfg.OTLP)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(NewOTLPHandler(h, provider, level)), provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg OTLPConfig) (sdklog.Exporter, error) {
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)
	case "", "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.URLPath != "" {
			opts = append(opts, otlploghttp.WithURLPath(cfg.URLPath))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown OTLP log protocol %q", cfg.Protocol)
}

func newProvider(ctx context.Context, cfg OTLPConfig) (*sdklog.LoggerProvider, error) {
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("storagebridge"),
		semconv.ServiceVersion(version.Version()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	timeout := cfg.ExportTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp, sdklog.WithExportTimeout(timeout))),
	), nil
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
	"github.com/platformbuilds/storagebridge/internal/version"
)

// ErrQueueFull is returned by Export when the worker is behind.
var ErrQueueFull = errors.New("storage OTLP export queue full")

// OTLPExporter records snapshots as OTLP gauges
type OTLPExporter struct {
	config storagedef.OTLPConfig
	log    *slog.Logger
	reader sdkmetric.Reader

	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	instMu   sync.Mutex
	gauges   map[string]metric.Float64Gauge
	counters map[string]metric.Float64Counter

	queue   chan []storagedef.Metric
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// OTLPOption customizes an OTLPExporter.
type OTLPOption func(*OTLPExporter)

// WithReader replaces the periodic OTLP reader, e.g. with a manual reader.
func WithReader(r sdkmetric.Reader) OTLPOption {
	return func(e *OTLPExporter) { e.reader = r }
}

// NewOTLPExporter creates a new OTLP exporter for snapshots
func NewOTLPExporter(cfg storagedef.OTLPConfig, log *slog.Logger, opts ...OTLPOption) *OTLPExporter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	e := &OTLPExporter{
		config:   cfg,
		log:      log.With("component", "storage-otlp-exporter"),
		gauges:   make(map[string]metric.Float64Gauge),
		counters: make(map[string]metric.Float64Counter),
		queue:    make(chan []storagedef.Metric, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OTLPExporter) Name() string { return "otlp" }

// Start creates the meter provider and starts the worker
func (e *OTLPExporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	e.log.Info("starting storage OTLP exporter",
		"endpoint", e.config.Endpoint,
		"protocol", e.config.Protocol,
	)

	reader := e.reader
	if reader == nil {
		var (
			exporter sdkmetric.Exporter
			err      error
		)
		switch e.config.Protocol {
		case "http":
			exporter, err = e.createHTTPExporter(ctx)
		default:
			exporter, err = e.createGRPCExporter(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(e.config.Interval))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("storagebridge"),
			semconv.ServiceVersion(version.Version()),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	e.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	e.meter = e.provider.Meter("storagebridge.storage")

	e.wg.Add(1)
	go e.worker(ctx)

	e.running = true
	e.log.Info("storage OTLP exporter started")
	return nil
}

// Stop drains the queue and shuts the provider down
func (e *OTLPExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	close(e.stopCh)
	e.wg.Wait()

	if err := e.provider.Shutdown(ctx); err != nil {
		e.log.Warn("error shutting down meter provider", "error", err)
	}

	e.running = false
	e.log.Info("storage OTLP exporter stopped")
	return nil
}

// Export queues the flattened snapshots for recording
func (e *OTLPExporter) Export(ctx context.Context, snapshots []storagedef.Snapshot) error {
	var metrics []storagedef.Metric
	for _, s := range snapshots {
		metrics = append(metrics, storagedef.SnapshotMetrics(s)...)
	}
	select {
	case e.queue <- metrics:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (e *OTLPExporter) createGRPCExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(e.config.Endpoint),
	}
	if e.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if e.config.Compression == "gzip" {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(e.config.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(e.config.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC exporter: %w", err)
	}
	return exporter, nil
}

func (e *OTLPExporter) createHTTPExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(e.config.Endpoint),
	}
	if e.config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if e.config.Compression == "gzip" {
		opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
	}
	if len(e.config.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(e.config.Headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP exporter: %w", err)
	}
	return exporter, nil
}

func (e *OTLPExporter) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			for {
				select {
				case metrics := <-e.queue:
					e.record(context.WithoutCancel(ctx), metrics)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case metrics := <-e.queue:
			e.record(ctx, metrics)
		}
	}
}

func (e *OTLPExporter) record(ctx context.Context, metrics []storagedef.Metric) {
	for _, m := range metrics {
		if err := e.recordMetric(ctx, m); err != nil {
			e.log.Debug("failed to record metric", "name", m.Name, "error", err)
		}
	}
}

func (e *OTLPExporter) recordMetric(ctx context.Context, m storagedef.Metric) error {
	attrs := make([]attribute.KeyValue, 0, len(m.Labels))
	for _, k := range m.LabelNames() {
		attrs = append(attrs, attribute.String(k, m.Labels[k]))
	}

	if m.Type == storagedef.MetricTypeCounter {
		counter, err := e.counter(m.Name, m.Help)
		if err != nil {
			return err
		}
		counter.Add(ctx, m.Value, metric.WithAttributes(attrs...))
		return nil
	}

	gauge, err := e.gauge(m.Name, m.Help)
	if err != nil {
		return err
	}
	gauge.Record(ctx, m.Value, metric.WithAttributes(attrs...))
	return nil
}

func (e *OTLPExporter) gauge(name, description string) (metric.Float64Gauge, error) {
	e.instMu.Lock()
	defer e.instMu.Unlock()

	if g, ok := e.gauges[name]; ok {
		return g, nil
	}
	g, err := e.meter.Float64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	e.gauges[name] = g
	return g, nil
}

func (e *OTLPExporter) counter(name, description string) (metric.Float64Counter, error) {
	e.instMu.Lock()
	defer e.instMu.Unlock()

	if c, ok := e.counters[name]; ok {
		return c, nil
	}
	c, err := e.meter.Float64Counter(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	e.counters[name] = c
	return c, nil
}

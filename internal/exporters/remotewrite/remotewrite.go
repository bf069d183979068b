// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotewrite exports snapshots with the Prometheus remote write
// protocol.
package remotewrite

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/platformbuilds/storagebridge/internal/auth"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Config configures the remote write sink
type Config struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	TenantID string            `yaml:"tenant_id"`

	// Compression: "snappy" (default), "gzip" or "none"
	Compression string `yaml:"compression"`

	Timeout      time.Duration        `yaml:"timeout"`
	BatchSize    int                  `yaml:"batch_size"`
	MaxRetries   int                  `yaml:"max_retries"`
	RetryBackoff time.Duration        `yaml:"retry_backoff"`
	TLS          storagedef.TLSConfig `yaml:"tls"`
	Auth         auth.Config          `yaml:"auth"`
}

// DefaultConfig returns the sink defaults
func DefaultConfig() Config {
	return Config{
		Endpoint:     "http://localhost:19291/api/v1/push",
		Compression:  "snappy",
		Timeout:      30 * time.Second,
		BatchSize:    1000,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote write returned status %d: %s", e.StatusCode, e.Body)
}

// Writer sends snapshots to a remote write receiver
type Writer struct {
	cfg       Config
	log       *slog.Logger
	transport storagedef.Transport
	auth      auth.Authenticator
}

// New creates a Writer. Zero fields of cfg take their defaults.
func New(cfg Config, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Compression == "" {
		cfg.Compression = def.Compression
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport, err := storagedef.NewHTTPTransport(storagedef.HTTPTransportConfig{
		VerifySSL: !cfg.TLS.InsecureSkipVerify,
		TLS:       cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(cfg.Auth, log)
	if err != nil {
		return nil, fmt.Errorf("remote write auth: %w", err)
	}

	return &Writer{
		cfg:       cfg,
		log:       log.With("component", "remote_writer"),
		transport: transport,
		auth:      authenticator,
	}, nil
}

func (w *Writer) Name() string { return "remote_write" }

func (w *Writer) Start(context.Context) error {
	w.log.Info("starting remote writer",
		"endpoint", w.cfg.Endpoint,
		"compression", w.cfg.Compression,
		"batch_size", w.cfg.BatchSize,
	)
	return nil
}

func (w *Writer) Stop(context.Context) error { return w.auth.Close() }

// Export converts the snapshots to time series and sends them in batches.
func (w *Writer) Export(ctx context.Context, snapshots []storagedef.Snapshot) error {
	var series []prompb.TimeSeries
	for _, s := range snapshots {
		for _, m := range storagedef.SnapshotMetrics(s) {
			series = append(series, TimeSeries(m))
		}
	}

	for start := 0; start < len(series); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(series))
		wr := &prompb.WriteRequest{Timeseries: series[start:end]}
		if err := w.sendWithRetry(ctx, wr); err != nil {
			return err
		}
	}
	return nil
}

// TimeSeries converts one metric, with labels sorted by name.
func TimeSeries(m storagedef.Metric) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(m.Labels)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: m.Name})
	for _, k := range m.LabelNames() {
		labels = append(labels, prompb.Label{Name: k, Value: m.Labels[k]})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: m.Value, Timestamp: ts.UnixMilli()}},
	}
}

func (w *Writer) sendWithRetry(ctx context.Context, wr *prompb.WriteRequest) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := w.send(ctx, wr)
		if err == nil {
			w.log.Debug("remote write successful", "series", len(wr.Timeseries))
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode/100 == 4 && se.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		w.log.Warn("remote write failed",
			"attempt", attempt,
			"max_retries", w.cfg.MaxRetries,
			"error", err,
		)
		return err
	}, b)
}

func (w *Writer) send(ctx context.Context, wr *prompb.WriteRequest) error {
	data, err := wr.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal write request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-protobuf")
	header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	var body []byte
	switch w.cfg.Compression {
	case "snappy":
		body = snappy.Encode(nil, data)
		header.Set("Content-Encoding", "snappy")
	case "gzip":
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compression failed: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close failed: %w", err)
		}
		body = buf.Bytes()
		header.Set("Content-Encoding", "gzip")
	default:
		body = data
	}
	if w.cfg.TenantID != "" {
		header.Set("X-Scope-OrgID", w.cfg.TenantID)
	}
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}
	if err := w.auth.Apply(ctx, header); err != nil {
		return backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	resp, err := w.transport.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    w.cfg.Endpoint,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg := resp.Body
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	return nil
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memExporter) Shutdown(context.Context) error   { return nil }
func (e *memExporter) ForceFlush(context.Context) error { return nil }

func attrs(r sdklog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestNewJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, shutdown, err := New(context.Background(), Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	log.Info("hidden")
	log.Warn("login failed", "array", "vnx-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "login failed", line["msg"])
	assert.Equal(t, "vnx-1", line["array"])
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, _, err := New(context.Background(), Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = New(context.Background(), Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestOTLPHandlerEmitsRecords(t *testing.T) {
	exp := &memExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	log := slog.New(NewOTLPHandler(next, provider, slog.LevelInfo)).
		With("component", "dispatcher").
		WithGroup("req")

	log.Debug("dropped")
	log.Warn("retrying", "attempt", 2, "transient", true)

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.records, 1)
	rec := exp.records[0]
	assert.Equal(t, "retrying", rec.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, rec.Severity())

	a := attrs(rec)
	assert.Equal(t, "dispatcher", a["component"].AsString())
	assert.Equal(t, int64(2), a["req.attempt"].AsInt64())
	assert.True(t, a["req.transient"].AsBool())
	assert.Contains(t, buf.String(), "msg=retrying")
}

func TestNewOTLPProtocols(t *testing.T) {
	for _, protocol := range []string{"", "http", "grpc"} {
		t.Run("protocol="+protocol, func(t *testing.T) {
			cfg := Config{OTLP: OTLPConfig{Enabled: true, Protocol: protocol, Endpoint: "127.0.0.1:1", Insecure: true}}
			log, shutdown, err := New(context.Background(), cfg, &bytes.Buffer{})
			require.NoError(t, err)
			require.NotNil(t, log)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = shutdown(ctx)
		})
	}

	cfg := Config{OTLP: OTLPConfig{Enabled: true, Protocol: "kafka", Endpoint: "127.0.0.1:1"}}
	_, _, err := New(context.Background(), cfg, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown OTLP log protocol")
}

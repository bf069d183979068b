// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/selftelemetry"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const fakeVendor storagedef.VendorType = "fake"

// fakeAdapter fails the operations listed in the "fail" option and reports
// those in "unsupported" as not supported.
type fakeAdapter struct{}

func init() {
	adapter.Register(fakeVendor, func(adapter.Deps) storagedef.Adapter {
		return &fakeAdapter{}
	})
}

func (f *fakeAdapter) Vendor() storagedef.VendorType { return fakeVendor }

func (f *fakeAdapter) outcome(cfg storagedef.VendorConfig, op string) error {
	if strings.Contains(cfg.Options["unsupported"], op) {
		return storagedef.Unsupported(fakeVendor, op)
	}
	if strings.Contains(cfg.Options["fail"], op) {
		return &storagedef.AdapterError{Vendor: fakeVendor, Operation: op, Code: "E1", Message: "boom"}
	}
	return nil
}

func (f *fakeAdapter) ListVolumes(_ context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	if err := f.outcome(cfg, OpListVolumes); err != nil {
		return nil, err
	}
	return []storagedef.Volume{{ID: "1", Name: "vol1", CapacityBytes: 100, UsedBytes: 25, FreeBytes: 75, Array: cfg.Name, SourceVendor: fakeVendor}}, nil
}

func (f *fakeAdapter) ListPools(_ context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	if err := f.outcome(cfg, OpListPools); err != nil {
		return nil, err
	}
	return []storagedef.Pool{{ID: "p1", Name: "pool1", CapacityBytes: 1000, Array: cfg.Name, SourceVendor: fakeVendor}}, nil
}

func (f *fakeAdapter) ListNodes(_ context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	if err := f.outcome(cfg, OpListNodes); err != nil {
		return nil, err
	}
	return []storagedef.Node{{ID: "n1", Name: "ctl-a", Array: cfg.Name, SourceVendor: fakeVendor}}, nil
}

func (f *fakeAdapter) PerformanceStats(_ context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	if err := f.outcome(cfg, OpPerformanceStats); err != nil {
		return nil, err
	}
	return []storagedef.MetricSample{{EntityKind: "array", Entity: cfg.Name, Name: "read_ops", Unit: storagedef.UnitOpsPerSecond, Value: 5}}, nil
}

type recordingExporter struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	exported [][]storagedef.Snapshot
	err      error
	block    chan struct{}
}

func (r *recordingExporter) Name() string { return "recording" }

func (r *recordingExporter) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *recordingExporter) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *recordingExporter) Export(_ context.Context, s []storagedef.Snapshot) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exported = append(r.exported, s)
	return r.err
}

func (r *recordingExporter) batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exported)
}

func arrayConfig(name string, options map[string]string) storagedef.VendorConfig {
	return storagedef.VendorConfig{
		Name:     name,
		Vendor:   fakeVendor,
		Endpoint: "https://" + name,
		Username: "u",
		Password: "p",
		Options:  options,
		Labels:   map[string]string{"site": "dc1"},
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCollectOnceBuildsSnapshotsAndHealth(t *testing.T) {
	exp := &recordingExporter{}
	metrics := selftelemetry.NewMetrics("test", selftelemetry.NewRegistry())
	cfg := storagedef.Config{
		Enabled:         true,
		CollectInterval: time.Minute,
		Concurrency:     2,
		Arrays: []storagedef.VendorConfig{
			arrayConfig("c-healthy", nil),
			arrayConfig("a-degraded", map[string]string{"fail": OpListPools}),
			arrayConfig("b-down", map[string]string{
				"fail":        OpListVolumes + "," + OpListPools + "," + OpListNodes,
				"unsupported": OpPerformanceStats,
			}),
		},
	}
	m, err := NewManager(cfg, adapter.Deps{}, discard(), WithExporter(exp), WithMetrics(metrics))
	require.NoError(t, err)

	snaps := m.CollectOnce(context.Background())
	require.Len(t, snaps, 3)
	assert.Equal(t, "a-degraded", snaps[0].Array)
	assert.Equal(t, "c-healthy", snaps[2].Array)

	healthy := snaps[2]
	assert.Empty(t, healthy.Errors)
	assert.Len(t, healthy.Volumes, 1)
	assert.Len(t, healthy.Stats, 1)
	assert.Equal(t, "dc1", healthy.Labels["site"])

	assert.Equal(t, map[string]string{OpListPools: "fake list_pools: E1: boom"}, snaps[0].Errors)
	assert.Len(t, snaps[1].Errors, 3)
	assert.NotContains(t, snaps[1].Errors, OpPerformanceStats)

	health := m.Health()
	assert.Equal(t, storagedef.HealthStatusHealthy, health["c-healthy"].Status)
	assert.Equal(t, storagedef.HealthStatusDegraded, health["a-degraded"].Status)
	assert.Equal(t, storagedef.HealthStatusUnhealthy, health["b-down"].Status)
	assert.Equal(t, 1, health["b-down"].ErrorCount)
	assert.NotEmpty(t, health["b-down"].LastError)

	require.Equal(t, 1, exp.batches())
	assert.Len(t, exp.exported[0], 3)
	assert.True(t, metrics.IsReady())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ExporterSuccess.WithLabelValues("recording")), 0)

	latest, ok := m.Snapshot("c-healthy")
	require.True(t, ok)
	assert.Equal(t, healthy.CollectedAt, latest.CollectedAt)
	assert.Len(t, m.Latest(), 3)
}

func TestUnavailableVendorIsSkipped(t *testing.T) {
	missing := arrayConfig("x", nil)
	missing.Vendor = "not-built"
	cfg := storagedef.Config{Arrays: []storagedef.VendorConfig{missing, arrayConfig("y", nil)}}

	m, err := NewManager(cfg, adapter.Deps{}, discard())
	require.NoError(t, err)
	require.Len(t, m.Arrays(), 1)
	assert.Equal(t, "y", m.Arrays()[0].Name)
	assert.Equal(t, storagedef.HealthStatusUnhealthy, m.Health()["x"].Status)
	assert.Contains(t, m.Health()["x"].LastError, "not available")
}

func TestNewManagerRejectsInvalidArrays(t *testing.T) {
	bad := arrayConfig("x", nil)
	bad.Endpoint = ""
	_, err := NewManager(storagedef.Config{Arrays: []storagedef.VendorConfig{bad}}, adapter.Deps{}, discard())
	assert.ErrorIs(t, err, storagedef.ErrConfigIncomplete)

	dup := storagedef.Config{Arrays: []storagedef.VendorConfig{arrayConfig("x", nil), arrayConfig("x", nil)}}
	_, err = NewManager(dup, adapter.Deps{}, discard())
	var cfgErr *storagedef.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "name", cfgErr.Field)
}

func TestLiveQueries(t *testing.T) {
	cfg := storagedef.Config{Arrays: []storagedef.VendorConfig{arrayConfig("a", nil)}}
	m, err := NewManager(cfg, adapter.Deps{}, discard())
	require.NoError(t, err)

	volumes, err := m.Volumes(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "vol1", volumes[0].Name)

	pools, err := m.Pools(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	_, err = m.Nodes(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrArrayNotFound))
}

func TestStartStop(t *testing.T) {
	exp := &recordingExporter{}
	cfg := storagedef.Config{
		Enabled:         true,
		CollectInterval: 10 * time.Millisecond,
		Arrays:          []storagedef.VendorConfig{arrayConfig("a", nil)},
	}
	m, err := NewManager(cfg, adapter.Deps{}, discard(), WithExporter(exp))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Eventually(t, func() bool { return exp.batches() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())
	assert.True(t, exp.started)
	assert.True(t, exp.stopped)
	assert.False(t, m.LastCollectionTime().IsZero())
}

func TestStopAfterTimeoutIsIdempotent(t *testing.T) {
	exp := &recordingExporter{block: make(chan struct{})}
	cfg := storagedef.Config{
		Enabled:         true,
		CollectInterval: time.Hour,
		Arrays:          []storagedef.VendorConfig{arrayConfig("a", nil)},
	}
	m, err := NewManager(cfg, adapter.Deps{}, discard(), WithExporter(exp))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Stop(ctx), context.DeadlineExceeded)
	assert.False(t, m.IsRunning())

	assert.NotPanics(t, func() {
		assert.NoError(t, m.Stop(context.Background()))
	})
	close(exp.block)
	assert.Eventually(t, func() bool { return exp.batches() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisabledManagerDoesNotCollect(t *testing.T) {
	exp := &recordingExporter{}
	cfg := storagedef.Config{Arrays: []storagedef.VendorConfig{arrayConfig("a", nil)}}
	m, err := NewManager(cfg, adapter.Deps{}, discard(), WithExporter(exp))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Zero(t, exp.batches())
}

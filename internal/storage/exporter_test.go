// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

func collected(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Gauge[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Gauge[float64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[float64]); ok {
				out[m.Name] = g
			}
		}
	}
	return out
}

func TestOTLPExporterRecordsSnapshotGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	e := NewOTLPExporter(storagedef.OTLPConfig{Enabled: true}, discard(), WithReader(reader))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	snap := storagedef.Snapshot{
		Array:       "pure-1",
		Vendor:      storagedef.VendorPure,
		CollectedAt: time.Now(),
		Pools:       []storagedef.Pool{{ID: "array", Name: "pure-1", CapacityBytes: 4096, UsedBytes: 1024, FreeBytes: 3072}},
	}
	require.NoError(t, e.Export(context.Background(), []storagedef.Snapshot{snap}))

	require.Eventually(t, func() bool {
		_, ok := collected(t, reader)["storage_pool_free_bytes"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	g := collected(t, reader)["storage_pool_free_bytes"]
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, 3072.0, g.DataPoints[0].Value)
	vendor, ok := g.DataPoints[0].Attributes.Value("vendor")
	require.True(t, ok)
	assert.Equal(t, "pure", vendor.AsString())

	up := collected(t, reader)["storage_array_up"]
	require.Len(t, up.DataPoints, 1)
	assert.Equal(t, 1.0, up.DataPoints[0].Value)
}

func TestOTLPExporterQueueFull(t *testing.T) {
	e := NewOTLPExporter(storagedef.OTLPConfig{QueueSize: 1}, discard())
	snaps := []storagedef.Snapshot{{Array: "a"}}

	require.NoError(t, e.Export(context.Background(), snaps))
	assert.ErrorIs(t, e.Export(context.Background(), snaps), ErrQueueFull)
}

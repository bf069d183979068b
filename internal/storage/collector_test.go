// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

type staticSource []storagedef.Snapshot

func (s staticSource) Latest() []storagedef.Snapshot { return s }

func TestCollectorExposesPoolGauges(t *testing.T) {
	src := staticSource{
		{
			Array:       "a1",
			Vendor:      storagedef.VendorHPE,
			Labels:      map[string]string{"site": "dc1"},
			CollectedAt: time.Now(),
			Pools:       []storagedef.Pool{{ID: "0", Name: "SSD_r6", CapacityBytes: 100, UsedBytes: 30, FreeBytes: 70}},
		},
		{
			Array:       "a2",
			Vendor:      storagedef.VendorNetApp,
			Labels:      map[string]string{"site": "dc2"},
			CollectedAt: time.Now(),
			Errors:      map[string]string{OpListNodes: "timeout"},
			Pools:       []storagedef.Pool{{ID: "aggr1", Name: "aggr1", CapacityBytes: 200, UsedBytes: 50, FreeBytes: 150}},
		},
	}
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(src)))

	expected := `
# HELP storage_pool_free_bytes Free capacity in bytes
# TYPE storage_pool_free_bytes gauge
storage_pool_free_bytes{array="a1",pool="SSD_r6",pool_id="0",site="dc1",vendor="hpe"} 70
storage_pool_free_bytes{array="a2",pool="aggr1",pool_id="aggr1",site="dc2",vendor="netapp"} 150
# HELP storage_array_up Whether every supported operation succeeded in the last collection
# TYPE storage_array_up gauge
storage_array_up{array="a1",site="dc1",vendor="hpe"} 1
storage_array_up{array="a2",site="dc2",vendor="netapp"} 0
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "storage_pool_free_bytes", "storage_array_up")
	assert.NoError(t, err)
}

func TestCollectorUnionsLabelNames(t *testing.T) {
	src := staticSource{
		{Array: "a1", Vendor: storagedef.VendorPure, Labels: map[string]string{"site": "dc1"}},
		{Array: "a2", Vendor: storagedef.VendorPure, Labels: map[string]string{"rack": "r1"}},
	}
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(src)))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "storage_array_up", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 2)
	for _, m := range families[0].GetMetric() {
		assert.Len(t, m.GetLabel(), 4)
	}
}

func TestCollectorEmptySource(t *testing.T) {
	assert.Zero(t, testutil.CollectAndCount(NewCollector(staticSource{})))
}

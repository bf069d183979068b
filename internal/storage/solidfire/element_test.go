// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package solidfire

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storage/adapter/adaptertest"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const jsonType = "application/json"

type rpcCall struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// rpcServer routes Element calls by method name.
func rpcServer(t *testing.T, handlers map[string]func(rpcCall) string) (*adaptertest.Server, func() []rpcCall) {
	srv := adaptertest.NewServer(t)
	var (
		mu    sync.Mutex
		calls []rpcCall
	)
	srv.Mux.HandleFunc("POST /json-rpc/8.4", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)

		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		h, ok := handlers[call.Method]
		if !ok {
			adaptertest.Reply(w, http.StatusOK, jsonType, `{"id":1,"error":{"code":500,"name":"xUnknownAPIMethod","message":"unknown method"}}`)
			return
		}
		adaptertest.Reply(w, http.StatusOK, jsonType, h(call))
	})
	return srv, func() []rpcCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]rpcCall(nil), calls...)
	}
}

func TestListVolumesPagesByStartVolumeID(t *testing.T) {
	srv, calls := rpcServer(t, map[string]func(rpcCall) string{
		"ListVolumes": func(c rpcCall) string {
			if _, ok := c.Params["startVolumeID"]; !ok {
				return `{"id":1,"result":{"volumes":[
  {"volumeID":1,"name":"db01","totalSize":1073741824,"status":"active","scsiNAADeviceID":"6f47acc1000000006a7a6e3300000001"},
  {"volumeID":2,"name":"db02","totalSize":2147483648,"status":"active"}
]}}`
			}
			return `{"id":1,"result":{"volumes":[{"volumeID":5,"name":"logs","totalSize":4096,"status":"deleted"}]}}`
		},
	})
	cfg := srv.Config(storagedef.VendorSolidFire)
	cfg.Options["page_size"] = "2"

	volumes, err := New(adaptertest.Deps(t)).ListVolumes(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, volumes, 3)
	assert.Equal(t, storagedef.Volume{
		ID:            "1",
		Name:          "db01",
		CapacityBytes: 1073741824,
		State:         "active",
		WWN:           "6f47acc1000000006a7a6e3300000001",
		Array:         "array-1",
		SourceVendor:  storagedef.VendorSolidFire,
	}, volumes[0])
	assert.Equal(t, "deleted", volumes[2].State)

	got := calls()
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].Params["limit"])
	assert.EqualValues(t, 3, got[1].Params["startVolumeID"])
}

func TestErrorObjectInsideOKResponse(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func(rpcCall) string{
		"GetClusterCapacity": func(rpcCall) string {
			return `{"id":1,"error":{"code":500,"name":"xNotPrimary","message":"not the cluster master"}}`
		},
	})

	_, err := New(adaptertest.Deps(t)).ListPools(context.Background(), srv.Config(storagedef.VendorSolidFire))
	var adErr *storagedef.AdapterError
	require.ErrorAs(t, err, &adErr)
	assert.Equal(t, "xNotPrimary", adErr.Code)
	assert.Equal(t, "not the cluster master", adErr.Message)
	assert.Equal(t, "list_pools", adErr.Operation)
}

func TestListPoolsAndNodes(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func(rpcCall) string{
		"GetClusterCapacity": func(rpcCall) string {
			return `{"id":1,"result":{"clusterCapacity":{"maxUsedSpace":10000,"usedSpace":4000,"provisionedSpace":20000}}}`
		},
		"ListActiveNodes": func(rpcCall) string {
			return `{"id":1,"result":{"nodes":[{"nodeID":1,"name":"sf-node-1","serviceTag":"HL1234",
  "softwareVersion":"12.3.0.958","platformInfo":{"nodeType":"SF4805"}}]}}`
		},
	})
	a := New(adaptertest.Deps(t))
	cfg := srv.Config(storagedef.VendorSolidFire)

	pools, err := a.ListPools(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "array-1", pools[0].Name)
	assert.Equal(t, int64(6000), pools[0].FreeBytes)

	nodes, err := a.ListNodes(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, storagedef.Node{
		ID:           "1",
		Name:         "sf-node-1",
		Model:        "SF4805",
		Serial:       "HL1234",
		Firmware:     "12.3.0.958",
		State:        "active",
		Array:        "array-1",
		SourceVendor: storagedef.VendorSolidFire,
	}, nodes[0])
}

func TestPerformanceStatsDerivesRates(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func(rpcCall) string{
		"GetClusterStats": func(rpcCall) string {
			return `{"id":1,"result":{"clusterStats":{"timestamp":"2024-05-01T10:00:00Z","actualIOPS":150,
  "readLatencyUSec":250,"writeLatencyUSec":1000,"clientQueueDepth":3,
  "readOpsLastSample":500,"writeOpsLastSample":1000,"readBytesLastSample":2048000,"writeBytesLastSample":0,
  "samplePeriodMsec":500}}}`
		},
	})

	samples, err := New(adaptertest.Deps(t)).PerformanceStats(context.Background(), srv.Config(storagedef.VendorSolidFire))
	require.NoError(t, err)
	require.Len(t, samples, 8)
	byName := map[string]storagedef.MetricSample{}
	for _, s := range samples {
		byName[s.Name] = s
	}
	assert.InDelta(t, 1000, byName["read_ops"].Value, 1e-9)
	assert.InDelta(t, 2000, byName["write_ops"].Value, 1e-9)
	assert.InDelta(t, 4096000, byName["read_bytes"].Value, 1e-6)
	assert.InDelta(t, 0.00025, byName["read_latency"].Value, 1e-12)
	assert.InDelta(t, 3, byName["queue_depth"].Value, 1e-9)
	assert.Equal(t, "cluster", byName["total_ops"].EntityKind)
}

func TestCustomAPIVersion(t *testing.T) {
	srv := adaptertest.NewServer(t)
	srv.Mux.HandleFunc("POST /json-rpc/12.3", func(w http.ResponseWriter, r *http.Request) {
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"id":1,"result":{"nodes":[]}}`)
	})
	cfg := srv.Config(storagedef.VendorSolidFire)
	cfg.Options["api_version"] = "12.3"

	nodes, err := New(adaptertest.Deps(t)).ListNodes(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Equal(t, 1, srv.Count("POST /json-rpc/12.3"))
}

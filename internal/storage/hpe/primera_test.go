// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package hpe

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storage/adapter/adaptertest"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const jsonType = "application/json"

func newServer(t *testing.T) *adaptertest.Server {
	srv := adaptertest.NewServer(t)
	srv.Mux.HandleFunc("POST /api/v1/credentials", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["user"] != "admin" || creds["password"] != "secret" {
			adaptertest.Reply(w, http.StatusForbidden, jsonType, `{"code":5,"desc":"invalid username or password"}`)
			return
		}
		adaptertest.Reply(w, http.StatusCreated, jsonType, `{"key":"0-abc-123"}`)
	})
	srv.Mux.HandleFunc("DELETE /api/v1/credentials/{key}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0-abc-123", r.PathValue("key"))
		w.WriteHeader(http.StatusOK)
	})
	return srv
}

func TestListVolumesConvertsMiB(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /api/v1/volumes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0-abc-123", r.Header.Get(sessionKeyHeader))
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"total":2,"members":[
  {"id":12,"name":"oradata","sizeMiB":10240,"userSpace":{"usedMiB":2048},"state":1,"wwn":"60002AC0000000000000000C00019F27","userCPG":"SSD_r6"},
  {"id":13,"name":"scratch","sizeMiB":1024,"state":2}
]}`)
	})

	volumes, err := New(adaptertest.Deps(t)).ListVolumes(context.Background(), srv.Config(storagedef.VendorHPE))
	require.NoError(t, err)
	require.Len(t, volumes, 2)
	assert.Equal(t, storagedef.Volume{
		ID:            "12",
		Name:          "oradata",
		Pool:          "SSD_r6",
		CapacityBytes: 10240 << 20,
		UsedBytes:     2048 << 20,
		FreeBytes:     8192 << 20,
		State:         "normal",
		WWN:           "60002AC0000000000000000C00019F27",
		Array:         "array-1",
		SourceVendor:  storagedef.VendorHPE,
	}, volumes[0])
	assert.Equal(t, "degraded", volumes[1].State)
	assert.Zero(t, volumes[1].UsedBytes)
}

func TestListPools(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /api/v1/cpgs", func(w http.ResponseWriter, r *http.Request) {
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"total":1,"members":[
  {"id":0,"name":"SSD_r6","state":1,"UsrUsage":{"totalMiB":4096,"usedMiB":1024}}
]}`)
	})

	pools, err := New(adaptertest.Deps(t)).ListPools(context.Background(), srv.Config(storagedef.VendorHPE))
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "0", pools[0].ID)
	assert.Equal(t, int64(3072)<<20, pools[0].FreeBytes)
	assert.Equal(t, "normal", pools[0].State)
}

func TestListNodesMarksOfflineMembers(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /api/v1/system", func(w http.ResponseWriter, r *http.Request) {
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"id":4242,"name":"primera01","model":"HPE Primera 650",
  "serialNumber":"CZ1234567","systemVersion":"4.5.10","clusterNodes":[0,1],"onlineNodes":[0]}`)
	})

	nodes, err := New(adaptertest.Deps(t)).ListNodes(context.Background(), srv.Config(storagedef.VendorHPE))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "primera01-node0", nodes[0].Name)
	assert.Equal(t, "online", nodes[0].State)
	assert.Equal(t, "offline", nodes[1].State)
	assert.Equal(t, "4.5.10", nodes[1].Firmware)
}

func TestPerformanceStats(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /api/v1/systemreporter/attime/vlunstatistics/{selector}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hires;groupby:volumeName", r.PathValue("selector"))
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"sampleTimeSec":1700000300,"total":1,"members":[
  {"volumeName":"oradata","IO":{"read":100,"write":50,"total":150},"KBytes":{"read":2048,"write":1024,"total":3072},
   "serviceTimeMS":{"read":0.5,"write":2,"total":1},"queueLength":4}
]}`)
	})

	samples, err := New(adaptertest.Deps(t)).PerformanceStats(context.Background(), srv.Config(storagedef.VendorHPE))
	require.NoError(t, err)
	require.Len(t, samples, 8)
	byName := map[string]storagedef.MetricSample{}
	for _, s := range samples {
		byName[s.Name] = s
	}
	assert.InDelta(t, 2048*1024, byName["read_bytes"].Value, 1e-6)
	assert.InDelta(t, 0.002, byName["write_latency"].Value, 1e-12)
	assert.Equal(t, "oradata", byName["read_ops"].Entity)
	assert.Equal(t, int64(1700000300), byName["queue_depth"].Timestamp.Unix())
}

func TestSessionKeyReleasedOnClose(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /api/v1/cpgs", func(w http.ResponseWriter, r *http.Request) {
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"total":0,"members":[]}`)
	})
	deps := adaptertest.Deps(t)
	_, err := New(deps).ListPools(context.Background(), srv.Config(storagedef.VendorHPE))
	require.NoError(t, err)

	require.NoError(t, deps.Sessions.Close(context.Background()))
	assert.Equal(t, 1, srv.Count("DELETE /api/v1/credentials/0-abc-123"))
}

func TestForbiddenLogin(t *testing.T) {
	srv := newServer(t)
	cfg := srv.Config(storagedef.VendorHPE)
	cfg.Username = "guest"

	_, err := New(adaptertest.Deps(t)).ListVolumes(context.Background(), cfg)
	assert.ErrorIs(t, err, storagedef.ErrLoginFailed)
	assert.Zero(t, srv.Count("GET /api/v1/volumes"))
}

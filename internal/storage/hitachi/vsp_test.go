// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package hitachi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storage/adapter/adaptertest"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const jsonType = "application/json"

func newServer(t *testing.T) *adaptertest.Server {
	srv := adaptertest.NewServer(t)
	srv.Mux.HandleFunc("GET /ConfigurationManager/v1/objects/storages", func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"data":[{"storageDeviceId":"886000123456","model":"VSP G900","serialNumber":123456}]}`)
	})
	srv.Mux.HandleFunc("POST /ConfigurationManager/v1/objects/storages/{id}/sessions", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			adaptertest.Reply(w, http.StatusUnauthorized, jsonType, `{"errorSource":"/sessions","message":"KART40046-E"}`)
			return
		}
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"token":"tok-`+r.PathValue("id")+`","sessionId":7}`)
	})
	return srv
}

func authorized(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "Session tok-886000123456", r.Header.Get("Authorization"))
}

func TestListVolumesPagesByHeadLdevID(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /ConfigurationManager/v1/objects/storages/886000123456/ldevs", func(w http.ResponseWriter, r *http.Request) {
		authorized(t, r)
		assert.Equal(t, "defined", r.URL.Query().Get("ldevOption"))
		switch r.URL.Query().Get("headLdevId") {
		case "0":
			adaptertest.Reply(w, http.StatusOK, jsonType, `{"data":[
  {"ldevId":0,"label":"oracle_data","blockCapacity":2097152,"numOfUsedBlock":524288,"status":"NML","poolId":1,"naaId":"60060e8012345600504012340000000"},
  {"ldevId":1,"blockCapacity":1024,"numOfUsedBlock":0,"status":"NML","poolId":1}
]}`)
		case "2":
			adaptertest.Reply(w, http.StatusOK, jsonType, `{"data":[{"ldevId":5,"label":"scratch","blockCapacity":2048,"status":"BLK"}]}`)
		default:
			t.Errorf("unexpected headLdevId %q", r.URL.Query().Get("headLdevId"))
		}
	})
	cfg := srv.Config(storagedef.VendorHitachi)
	cfg.Options["page_size"] = "2"

	volumes, err := New(adaptertest.Deps(t)).ListVolumes(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, volumes, 3)
	assert.Equal(t, storagedef.Volume{
		ID:            "0",
		Name:          "oracle_data",
		Pool:          "1",
		CapacityBytes: 1 << 30,
		UsedBytes:     256 << 20,
		FreeBytes:     768 << 20,
		State:         "NML",
		WWN:           "60060e8012345600504012340000000",
		Array:         "array-1",
		SourceVendor:  storagedef.VendorHitachi,
	}, volumes[0])
	assert.Equal(t, "ldev-1", volumes[1].Name)
	assert.Equal(t, "BLK", volumes[2].State)
	assert.Equal(t, 2, srv.Count("GET /ConfigurationManager/v1/objects/storages/886000123456/ldevs"))
	assert.Equal(t, 1, srv.Count("GET /ConfigurationManager/v1/objects/storages"))
	assert.Equal(t, 1, srv.Count("POST /ConfigurationManager/v1/objects/storages/886000123456/sessions"))
}

func TestConfiguredStorageSkipsDiscovery(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /ConfigurationManager/v1/objects/storages/900000000001/pools", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Session tok-900000000001", r.Header.Get("Authorization"))
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"data":[
  {"poolId":1,"poolName":"DP_POOL_01","poolStatus":"POLN","totalPoolCapacity":4096,"availableVolumeCapacity":1024}
]}`)
	})
	cfg := srv.Config(storagedef.VendorHitachi)
	cfg.Options["storage_device_id"] = "900000000001"

	pools, err := New(adaptertest.Deps(t)).ListPools(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, storagedef.Pool{
		ID:            "1",
		Name:          "DP_POOL_01",
		State:         "POLN",
		CapacityBytes: 4096 << 20,
		UsedBytes:     3072 << 20,
		FreeBytes:     1024 << 20,
		Array:         "array-1",
		SourceVendor:  storagedef.VendorHitachi,
	}, pools[0])
	assert.Zero(t, srv.Count("GET /ConfigurationManager/v1/objects/storages"))
}

func TestListNodesReportsStorageSystem(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /ConfigurationManager/v1/objects/storages/886000123456", func(w http.ResponseWriter, r *http.Request) {
		authorized(t, r)
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"storageDeviceId":"886000123456","model":"VSP G900","serialNumber":123456,"dkcMicroVersion":"88-08-05-60/00"}`)
	})

	nodes, err := New(adaptertest.Deps(t)).ListNodes(context.Background(), srv.Config(storagedef.VendorHitachi))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, storagedef.Node{
		ID:           "886000123456",
		Name:         "array-1",
		Model:        "VSP G900",
		Serial:       "123456",
		Firmware:     "88-08-05-60/00",
		Array:        "array-1",
		SourceVendor: storagedef.VendorHitachi,
	}, nodes[0])
}

func TestPerformanceStatsReadsTuningManagerCSV(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /TuningManager/v1/objects/RAID_PI_LDS", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok, "tuning manager takes basic credentials")
		assert.Equal(t, "admin", user)
		assert.Equal(t, "htnm-agent01", r.URL.Query().Get("hostName"))
		assert.Equal(t, "VSP_G900_123456", r.URL.Query().Get("agentInstanceName"))
		adaptertest.Reply(w, http.StatusOK, "text/csv", `RECORD_TIME,LDEV_NUMBER,READ_IO_RATE,WRITE_IO_RATE,READ_XFER_RATE,WRITE_XFER_RATE,READ_RESPONSE_RATE,WRITE_RESPONSE_RATE
string(32),string(16),float,float,float,float,ulong,ulong
2024/05/01 10:00:00,00:00:00,120.5,30,2048,512,450,1200
2024/05/01 10:00:00,00:00:01,0,0,0,0,,
`)
	})
	cfg := srv.Config(storagedef.VendorHitachi)
	cfg.Options["tuning_manager_endpoint"] = srv.URL
	cfg.Options["agent_host"] = "htnm-agent01"
	cfg.Options["agent_instance"] = "VSP_G900_123456"

	samples, err := New(adaptertest.Deps(t)).PerformanceStats(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, samples, 10)

	first := map[string]storagedef.MetricSample{}
	for _, s := range samples[:6] {
		first[s.Name] = s
	}
	assert.Equal(t, "00:00:00", first["read_ops"].Entity)
	assert.InDelta(t, 120.5, first["read_ops"].Value, 1e-9)
	assert.InDelta(t, 2048*1024, first["read_bytes"].Value, 1e-6)
	assert.InDelta(t, 0.0012, first["write_latency"].Value, 1e-12)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).Equal(first["read_ops"].Timestamp))
	assert.Zero(t, srv.Count("POST /ConfigurationManager/v1/objects/storages/886000123456/sessions"))
}

func TestPerformanceStatsRequiresTuningOptions(t *testing.T) {
	srv := newServer(t)
	cfg := srv.Config(storagedef.VendorHitachi)
	cfg.Options["tuning_manager_endpoint"] = srv.URL

	_, err := New(adaptertest.Deps(t)).PerformanceStats(context.Background(), cfg)
	assert.ErrorIs(t, err, storagedef.ErrConfigIncomplete)
	var cfgErr *storagedef.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "options.agent_host", cfgErr.Field)
}

func TestSessionDeletedOnClose(t *testing.T) {
	srv := newServer(t)
	srv.Mux.HandleFunc("GET /ConfigurationManager/v1/objects/storages/886000123456/pools", func(w http.ResponseWriter, r *http.Request) {
		adaptertest.Reply(w, http.StatusOK, jsonType, `{"data":[]}`)
	})
	srv.Mux.HandleFunc("DELETE /ConfigurationManager/v1/objects/storages/886000123456/sessions/7", func(w http.ResponseWriter, r *http.Request) {
		authorized(t, r)
		w.WriteHeader(http.StatusOK)
	})
	deps := adaptertest.Deps(t)

	_, err := New(deps).ListPools(context.Background(), srv.Config(storagedef.VendorHitachi))
	require.NoError(t, err)
	require.NoError(t, deps.Sessions.Close(context.Background()))
	assert.Equal(t, 1, srv.Count("DELETE /ConfigurationManager/v1/objects/storages/886000123456/sessions/7"))
}

func TestRejectedSessionLogin(t *testing.T) {
	srv := newServer(t)
	cfg := srv.Config(storagedef.VendorHitachi)
	cfg.Password = "wrong"

	_, err := New(adaptertest.Deps(t)).ListPools(context.Background(), cfg)
	assert.ErrorIs(t, err, storagedef.ErrLoginFailed)
}

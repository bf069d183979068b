// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package hpe provides the adapter for HPE Primera and 3PAR arrays via WSAPI.
package hpe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const sessionKeyHeader = "X-HP3PAR-WSAPI-SessionKey"

func init() {
	adapter.Register(storagedef.VendorHPE, New)
}

// Adapter talks to the WSAPI service of one array.
type Adapter struct {
	adapter.Base
}

// New creates a Primera/3PAR adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorHPE, deps, authenticator{})}
}

// WSAPI reports object states as integers.
var stateNames = map[int64]string{
	1:  "normal",
	2:  "degraded",
	3:  "failed",
	99: "unknown",
}

func stateName(f codec.Fields) string {
	if !f.Has("state_code") {
		return ""
	}
	if name, ok := stateNames[f.Int("state_code")]; ok {
		return name
	}
	return "unknown"
}

var volumeMapping = codec.Mapping{
	Record: "members",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "sizeMiB", Kind: codec.Int, Unit: codec.MiB},
		{Target: storagedef.FieldUsedBytes, Source: "userSpace.usedMiB", Kind: codec.Int, Unit: codec.MiB},
		{Target: storagedef.FieldWWN, Source: "wwn"},
		{Target: storagedef.FieldPool, Source: "userCPG"},
		{Target: "state_code", Source: "state", Kind: codec.Int},
	},
}

var cpgMapping = codec.Mapping{
	Record: "members",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "UsrUsage.totalMiB", Kind: codec.Int, Unit: codec.MiB},
		{Target: storagedef.FieldUsedBytes, Source: "UsrUsage.usedMiB", Kind: codec.Int, Unit: codec.MiB},
		{Target: "state_code", Source: "state", Kind: codec.Int},
	},
}

var vlunStatsMapping = codec.Mapping{
	Record: "members",
	Fields: []codec.Field{
		{Target: "volume", Source: "volumeName"},
		{Target: "read_ops", Source: "IO.read", Kind: codec.Float},
		{Target: "write_ops", Source: "IO.write", Kind: codec.Float},
		{Target: "total_ops", Source: "IO.total", Kind: codec.Float},
		{Target: "read_bytes", Source: "KBytes.read", Kind: codec.Float, Unit: codec.KiB},
		{Target: "write_bytes", Source: "KBytes.write", Kind: codec.Float, Unit: codec.KiB},
		{Target: "read_latency", Source: "serviceTimeMS.read", Kind: codec.Float, Unit: codec.Milliseconds},
		{Target: "write_latency", Source: "serviceTimeMS.write", Kind: codec.Float, Unit: codec.Milliseconds},
		{Target: "queue_depth", Source: "queueLength", Kind: codec.Float},
	},
	Meta: []codec.Field{{Target: "sample_time", Source: "sampleTimeSec", Kind: codec.Int}},
}

var vlunStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
	{Field: "queue_depth", Name: adapter.StatQueueDepth, Unit: storagedef.UnitCount},
}

// ListVolumes returns the virtual volumes.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	build := func(f codec.Fields) storagedef.Volume {
		v := storagedef.NewVolume(f, a.Kind, cfg.Name)
		v.State = stateName(f)
		return v
	}
	spec := dispatch.RequestSpec{Operation: "list_volumes", Path: "/api/v1/volumes"}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, volumeMapping, build, nil))
}

// ListPools returns the common provisioning groups.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	build := func(f codec.Fields) storagedef.Pool {
		p := storagedef.NewPool(f, a.Kind, cfg.Name)
		p.State = stateName(f)
		return p
	}
	spec := dispatch.RequestSpec{Operation: "list_pools", Path: "/api/v1/cpgs"}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, cpgMapping, build, nil))
}

// systemInfo is the subset of /api/v1/system describing controller nodes.
type systemInfo struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	SerialNumber  string  `json:"serialNumber"`
	SystemVersion string  `json:"systemVersion"`
	ClusterNodes  []int64 `json:"clusterNodes"`
	OnlineNodes   []int64 `json:"onlineNodes"`
}

// ListNodes returns one node per cluster member. Members missing from the
// online list are reported offline.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{Operation: "list_nodes", Path: "/api/v1/system"})
	if err != nil {
		return nil, err
	}
	var sys systemInfo
	if err := json.Unmarshal(resp.Body, &sys); err != nil {
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: codec.JSON.String(), Err: err}
	}

	online := make(map[int64]bool, len(sys.OnlineNodes))
	for _, id := range sys.OnlineNodes {
		online[id] = true
	}
	nodes := make([]storagedef.Node, 0, len(sys.ClusterNodes))
	for _, id := range sys.ClusterNodes {
		state := "offline"
		if online[id] {
			state = "online"
		}
		nodes = append(nodes, storagedef.Node{
			ID:           strconv.FormatInt(id, 10),
			Name:         fmt.Sprintf("%s-node%d", sys.Name, id),
			Model:        sys.Model,
			Serial:       sys.SerialNumber,
			Firmware:     sys.SystemVersion,
			State:        state,
			Array:        cfg.Name,
			SourceVendor: a.Kind,
		})
	}
	return nodes, nil
}

// PerformanceStats returns per volume statistics from System Reporter.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Path:      "/api/v1/systemreporter/attime/vlunstatistics/hires;groupby:volumeName",
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, vlunStatsMapping)
	if err != nil {
		return nil, err
	}
	ts := time.Now()
	if sec := doc.Meta.Int("sample_time"); sec > 0 {
		ts = time.Unix(sec, 0)
	}
	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		samples = append(samples, adapter.Samples(rec, "volume", rec.String("volume"), vlunStats, ts, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

type authenticator struct{}

// Login creates a WSAPI session key.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	body, err := json.Marshal(map[string]string{"user": cfg.Username, "password": cfg.Password})
	if err != nil {
		return nil, err
	}
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL("/api/v1/credentials"),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, session.LoginFailed(cfg, resp.StatusCode, err)
	}
	if out.Key == "" {
		return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("credentials response carries no key"))
	}
	return &session.Session{
		Header: http.Header{sessionKeyHeader: {out.Key}},
		Token:  out.Key,
	}, nil
}

// Logout deletes the session key.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	req := &storagedef.Request{Method: http.MethodDelete, URL: cfg.URL("/api/v1/credentials/" + s.Token)}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package xtremio provides the adapter for Dell EMC XtremIO clusters via the
// XMS JSON API v2.
package xtremio

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const typesPath = "/api/json/v2/types/"

func init() {
	adapter.Register(storagedef.VendorXtremIO, New)
}

// Adapter talks to one XMS. With the "cluster_name" option set, queries are
// scoped to that cluster of a multi-cluster XMS.
type Adapter struct {
	adapter.Base
}

// New creates an XtremIO adapter. XMS accepts basic credentials on every
// call.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorXtremIO, deps, session.BasicAuth{})}
}

// XMS reports sizes in KB and bandwidth in KB/s, both binary.
var volumeMapping = codec.Mapping{
	Record: "volumes",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "guid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "vol-size", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldUsedBytes, Source: "logical-space-in-use", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldWWN, Source: "naa-name"},
		{Target: storagedef.FieldState, Source: "obj-severity"},
		{Target: storagedef.FieldPool, Source: "sys-id.1"},
	},
}

var clusterMapping = codec.Mapping{
	Record: "clusters",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "guid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "ud-ssd-space", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldUsedBytes, Source: "ud-ssd-space-in-use", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldState, Source: "sys-health-state"},
	},
}

var controllerMapping = codec.Mapping{
	Record: "storage-controllers",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "guid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldModel, Source: "hw-model"},
		{Target: storagedef.FieldSerial, Source: "serial-number"},
		{Target: storagedef.FieldFirmware, Source: "sw-version"},
		{Target: storagedef.FieldState, Source: "health-state"},
	},
}

var clusterPerfMapping = codec.Mapping{
	Record: "clusters",
	Fields: []codec.Field{
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: "read_ops", Source: "rd-iops", Kind: codec.Float},
		{Target: "write_ops", Source: "wr-iops", Kind: codec.Float},
		{Target: "total_ops", Source: "iops", Kind: codec.Float},
		{Target: "read_bytes", Source: "rd-bw", Kind: codec.Float, Unit: codec.KiB},
		{Target: "write_bytes", Source: "wr-bw", Kind: codec.Float, Unit: codec.KiB},
		{Target: "read_latency", Source: "rd-latency", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "wr-latency", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "data_reduction", Source: "data-reduction-ratio", Kind: codec.Float},
	},
}

var clusterStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
	{Field: "data_reduction", Name: adapter.StatDataReduction, Unit: storagedef.UnitRatio},
}

func typeSpec(cfg storagedef.VendorConfig, operation, typ string) dispatch.RequestSpec {
	q := url.Values{"full": {"1"}}
	if name := cfg.Option("cluster_name", ""); name != "" {
		q.Set("cluster-name", name)
	}
	return dispatch.RequestSpec{
		Operation: operation,
		Path:      typesPath + typ,
		Query:     q,
		Paging:    dispatch.Paging{FollowLink: true},
	}
}

// nextLink returns the href of the "next" link, which XMS sets while more
// objects remain.
func nextLink(resp *storagedef.RawResponse, _ *codec.Document) string {
	var page struct {
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return ""
	}
	for _, l := range page.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// ListVolumes returns every volume and snapshot exposed as a volume.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	decode := adapter.Decoder(codec.JSON, volumeMapping, adapter.Volumes(a.Kind, cfg.Name), nextLink)
	return adapter.List(ctx, a.Base, cfg, typeSpec(cfg, "list_volumes", "volumes"), decode)
}

// ListPools reports each cluster's usable SSD space as a pool.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	decode := adapter.Decoder(codec.JSON, clusterMapping, adapter.Pools(a.Kind, cfg.Name), nextLink)
	return adapter.List(ctx, a.Base, cfg, typeSpec(cfg, "list_pools", "clusters"), decode)
}

// ListNodes returns the storage controllers.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	decode := adapter.Decoder(codec.JSON, controllerMapping, adapter.Nodes(a.Kind, cfg.Name), nextLink)
	return adapter.List(ctx, a.Base, cfg, typeSpec(cfg, "list_nodes", "storage-controllers"), decode)
}

// PerformanceStats returns the current per cluster counters.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	spec := typeSpec(cfg, "performance_stats", "clusters")
	spec.Paging = dispatch.Paging{}
	resp, err := adapter.Call(ctx, a.Base, cfg, spec)
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, clusterPerfMapping)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		samples = append(samples, adapter.Samples(rec, "cluster", rec.String(storagedef.FieldName), clusterStats, now, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

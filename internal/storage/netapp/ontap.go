// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package netapp provides the adapter for NetApp ONTAP clusters via the
// ONTAP REST API.
package netapp

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const defaultPageSize = 1000

func init() {
	adapter.Register(storagedef.VendorNetApp, New)
}

// Adapter talks to the cluster management LIF of one ONTAP cluster.
type Adapter struct {
	adapter.Base
}

// New creates an ONTAP adapter. ONTAP accepts basic credentials on every
// call, so no login round trip is made.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorNetApp, deps, session.BasicAuth{})}
}

var nextLink = []codec.Field{{Target: "next", Source: "_links.next.href"}}

var volumeMapping = codec.Mapping{
	Record: "records",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "uuid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "size", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "space.used", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldFreeBytes, Source: "space.available", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldState, Source: "state"},
		{Target: storagedef.FieldPool, Source: "aggregates.0.name"},
	},
	Meta: nextLink,
}

var aggregateMapping = codec.Mapping{
	Record: "records",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "uuid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldState, Source: "state"},
		{Target: storagedef.FieldCapacityBytes, Source: "space.block_storage.size", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "space.block_storage.used", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldFreeBytes, Source: "space.block_storage.available", Kind: codec.Int, Unit: codec.Bytes},
	},
	Meta: nextLink,
}

var nodeMapping = codec.Mapping{
	Record: "records",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "uuid"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldModel, Source: "model"},
		{Target: storagedef.FieldSerial, Source: "serial_number"},
		{Target: storagedef.FieldFirmware, Source: "version.full"},
		{Target: storagedef.FieldState, Source: "state"},
		{Target: storagedef.FieldUptimeSeconds, Source: "uptime", Kind: codec.Int, Unit: codec.Seconds},
	},
	Meta: nextLink,
}

var clusterMetricMapping = codec.Mapping{
	Record: "metric",
	Fields: []codec.Field{
		{Target: "timestamp", Source: "timestamp"},
		{Target: "status", Source: "status"},
		{Target: "read_ops", Source: "iops.read", Kind: codec.Float},
		{Target: "write_ops", Source: "iops.write", Kind: codec.Float},
		{Target: "total_ops", Source: "iops.total", Kind: codec.Float},
		{Target: "read_bytes", Source: "throughput.read", Kind: codec.Float},
		{Target: "write_bytes", Source: "throughput.write", Kind: codec.Float},
		{Target: "read_latency", Source: "latency.read", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "latency.write", Kind: codec.Float, Unit: codec.Microseconds},
	},
	Meta: []codec.Field{{Target: "cluster", Source: "name"}},
}

var clusterStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
}

// collectionSpec requests the given fields and follows _links.next.
func collectionSpec(cfg storagedef.VendorConfig, operation, path, fields string) dispatch.RequestSpec {
	return dispatch.RequestSpec{
		Operation: operation,
		Path:      path,
		Query: url.Values{
			"fields":      {fields},
			"max_records": {strconv.Itoa(adapter.PageSize(cfg, defaultPageSize))},
		},
		Paging: dispatch.Paging{FollowLink: true},
	}
}

// ListVolumes returns the FlexVol and FlexGroup volumes of all SVMs.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	spec := collectionSpec(cfg, "list_volumes", "/api/storage/volumes", "uuid,name,size,space.used,space.available,state,aggregates.name")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, volumeMapping, adapter.Volumes(a.Kind, cfg.Name), adapter.MetaCursor("next")))
}

// ListPools returns the aggregates.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	spec := collectionSpec(cfg, "list_pools", "/api/storage/aggregates", "uuid,name,state,space.block_storage")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, aggregateMapping, adapter.Pools(a.Kind, cfg.Name), adapter.MetaCursor("next")))
}

// ListNodes returns the cluster nodes.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	spec := collectionSpec(cfg, "list_nodes", "/api/cluster/nodes", "uuid,name,model,serial_number,state,uptime,version")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, nodeMapping, adapter.Nodes(a.Kind, cfg.Name), adapter.MetaCursor("next")))
}

// PerformanceStats returns the cluster wide metric sample.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Path:      "/api/cluster",
		Query:     url.Values{"fields": {"name,metric"}},
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, clusterMetricMapping)
	if err != nil {
		return nil, err
	}
	entity := doc.Meta.String("cluster")
	if entity == "" {
		entity = cfg.Name
	}

	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		// ONTAP zero-fills metrics it could not compute
		if st := rec.String("status"); st != "" && st != "ok" {
			a.Logger.Debug("skipping incomplete metric", "array", cfg.Name, "status", st)
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.String("timestamp"))
		if err != nil {
			ts = time.Now()
		}
		samples = append(samples, adapter.Samples(rec, "cluster", entity, clusterStats, ts, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

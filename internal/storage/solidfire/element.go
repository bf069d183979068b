// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package solidfire provides the adapter for NetApp SolidFire clusters via
// the Element JSON-RPC API.
package solidfire

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const (
	defaultAPIVersion = "8.4"
	defaultPageSize   = 500
)

func init() {
	adapter.Register(storagedef.VendorSolidFire, New)
}

// Adapter talks to the management virtual IP of one cluster.
type Adapter struct {
	adapter.Base
}

// New creates an Element adapter. Every call carries basic credentials.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorSolidFire, deps, session.BasicAuth{})}
}

// Element reports method failures as an error object in a 200 response.
var rpcError = []codec.Field{
	{Target: "error_code", Source: "error.code"},
	{Target: "error_name", Source: "error.name"},
	{Target: "error_message", Source: "error.message"},
}

var volumeMapping = codec.Mapping{
	Record: "result.volumes",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "volumeID", Required: true},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "totalSize", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldState, Source: "status"},
		{Target: storagedef.FieldWWN, Source: "scsiNAADeviceID"},
	},
	Meta: rpcError,
}

var capacityMapping = codec.Mapping{
	Record: "result.clusterCapacity",
	Fields: []codec.Field{
		{Target: storagedef.FieldCapacityBytes, Source: "maxUsedSpace", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "usedSpace", Kind: codec.Int, Unit: codec.Bytes},
	},
	Meta: rpcError,
}

var nodeMapping = codec.Mapping{
	Record: "result.nodes",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "nodeID", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldModel, Source: "platformInfo.nodeType"},
		{Target: storagedef.FieldSerial, Source: "serviceTag"},
		{Target: storagedef.FieldFirmware, Source: "softwareVersion"},
	},
	Meta: rpcError,
}

var clusterStatsMapping = codec.Mapping{
	Record: "result.clusterStats",
	Fields: []codec.Field{
		{Target: "timestamp", Source: "timestamp"},
		{Target: "total_ops", Source: "actualIOPS", Kind: codec.Float},
		{Target: "read_latency", Source: "readLatencyUSec", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "writeLatencyUSec", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "queue_depth", Source: "clientQueueDepth", Kind: codec.Float},
		{Target: "read_ops_sample", Source: "readOpsLastSample", Kind: codec.Float},
		{Target: "write_ops_sample", Source: "writeOpsLastSample", Kind: codec.Float},
		{Target: "read_bytes_sample", Source: "readBytesLastSample", Kind: codec.Float},
		{Target: "write_bytes_sample", Source: "writeBytesLastSample", Kind: codec.Float},
		{Target: "sample_period", Source: "samplePeriodMsec", Kind: codec.Float, Unit: codec.Milliseconds},
	},
	Meta: rpcError,
}

var clusterStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
	{Field: "queue_depth", Name: adapter.StatQueueDepth, Unit: storagedef.UnitCount},
}

// rpcSpec builds a JSON-RPC call. When paged is set, the cursor becomes
// the startVolumeID parameter of the next call.
func rpcSpec(cfg storagedef.VendorConfig, operation, method string, params map[string]any, paged bool) (dispatch.RequestSpec, error) {
	body, err := rpcBody(method, params)
	if err != nil {
		return dispatch.RequestSpec{}, err
	}
	spec := dispatch.RequestSpec{
		Operation: operation,
		Method:    http.MethodPost,
		Path:      "/json-rpc/" + cfg.Option("api_version", defaultAPIVersion),
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      body,
	}
	if paged {
		spec.Paging.Apply = func(s *dispatch.RequestSpec, cursor string) error {
			start, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil {
				return err
			}
			next := make(map[string]any, len(params)+1)
			for k, v := range params {
				next[k] = v
			}
			next["startVolumeID"] = start
			s.Body, err = rpcBody(method, next)
			return err
		}
	}
	return spec, nil
}

func rpcBody(method string, params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
		ID     int            `json:"id"`
	}{Method: method, Params: params, ID: 1})
}

// checkRPC turns an error object into an AdapterError.
func checkRPC(operation string) adapter.Check {
	return func(doc *codec.Document) error {
		if !doc.Meta.Has("error_name") && !doc.Meta.Has("error_message") {
			return nil
		}
		code := doc.Meta.String("error_name")
		if code == "" {
			code = doc.Meta.String("error_code")
		}
		return &storagedef.AdapterError{
			Vendor:    storagedef.VendorSolidFire,
			Operation: operation,
			Code:      code,
			Message:   doc.Meta.String("error_message"),
		}
	}
}

// ListVolumes returns the active volumes, paging by volume id.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	limit := adapter.PageSize(cfg, defaultPageSize)
	spec, err := rpcSpec(cfg, "list_volumes", "ListVolumes", map[string]any{"limit": limit}, true)
	if err != nil {
		return nil, err
	}
	decode := adapter.Decoder(codec.JSON, volumeMapping, adapter.Volumes(a.Kind, cfg.Name),
		adapter.LastRecordCursor(storagedef.FieldID, limit), checkRPC("list_volumes"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// ListPools reports the cluster block capacity as its single pool.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	spec, err := rpcSpec(cfg, "list_pools", "GetClusterCapacity", nil, false)
	if err != nil {
		return nil, err
	}
	build := func(f codec.Fields) storagedef.Pool {
		f[storagedef.FieldName] = cfg.Name
		return storagedef.NewPool(f, a.Kind, cfg.Name)
	}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, capacityMapping, build, nil, checkRPC("list_pools")))
}

// ListNodes returns the active cluster members.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	spec, err := rpcSpec(cfg, "list_nodes", "ListActiveNodes", nil, false)
	if err != nil {
		return nil, err
	}
	build := func(f codec.Fields) storagedef.Node {
		n := storagedef.NewNode(f, a.Kind, cfg.Name)
		n.State = "active"
		return n
	}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, nodeMapping, build, nil, checkRPC("list_nodes")))
}

// PerformanceStats returns cluster wide statistics. Element reports ops
// and bytes as totals over the last sample period; they are turned into
// rates here.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	spec, err := rpcSpec(cfg, "performance_stats", "GetClusterStats", nil, false)
	if err != nil {
		return nil, err
	}
	resp, err := adapter.Call(ctx, a.Base, cfg, spec)
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, clusterStatsMapping)
	if err != nil {
		return nil, err
	}
	if err := checkRPC("performance_stats")(doc); err != nil {
		return nil, err
	}

	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		if period := rec.Float("sample_period"); period > 0 {
			for _, name := range []string{"read_ops", "write_ops", "read_bytes", "write_bytes"} {
				if rec.Has(name + "_sample") {
					rec[name] = rec.Float(name+"_sample") / period
				}
			}
		}
		ts, err := time.Parse(time.RFC3339, rec.String("timestamp"))
		if err != nil {
			ts = time.Now()
		}
		samples = append(samples, adapter.Samples(rec, "cluster", cfg.Name, clusterStats, ts, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

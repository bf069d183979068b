// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package dell provides the adapter for Dell PowerStore arrays.
package dell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const (
	tokenHeader     = "DELL-EMC-TOKEN"
	defaultPageSize = 1000
)

func init() {
	adapter.Register(storagedef.VendorDell, New)
}

// Adapter talks to one PowerStore cluster.
type Adapter struct {
	adapter.Base
}

// New creates a PowerStore adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorDell, deps, authenticator{})}
}

var volumeMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldCapacityBytes, Source: "size", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "logical_used", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldState, Source: "state"},
		{Target: storagedef.FieldWWN, Source: "wwn"},
		{Target: storagedef.FieldPool, Source: "appliance_id"},
	},
}

var clusterMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldState, Source: "state"},
		{Target: storagedef.FieldCapacityBytes, Source: "physical_capacity", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "physical_used", Kind: codec.Int, Unit: codec.Bytes},
	},
}

var applianceMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldModel, Source: "model"},
		{Target: storagedef.FieldSerial, Source: "service_tag"},
	},
}

var metricsMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: "timestamp", Source: "timestamp"},
		{Target: "read_iops", Source: "read_iops", Kind: codec.Float},
		{Target: "write_iops", Source: "write_iops", Kind: codec.Float},
		{Target: "total_iops", Source: "total_iops", Kind: codec.Float},
		{Target: "read_bandwidth", Source: "read_bandwidth", Kind: codec.Float},
		{Target: "write_bandwidth", Source: "write_bandwidth", Kind: codec.Float},
		{Target: "read_latency", Source: "avg_read_latency", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "avg_write_latency", Kind: codec.Float, Unit: codec.Microseconds},
	},
}

var clusterStats = []adapter.Stat{
	{Field: "read_iops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_iops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_iops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bandwidth", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bandwidth", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
}

// collectionSpec selects fields and pages with limit and offset. PowerStore
// answers partial pages with 206 and a Content-Range header.
func collectionSpec(cfg storagedef.VendorConfig, operation, resource, fields string) dispatch.RequestSpec {
	return dispatch.RequestSpec{
		Operation: operation,
		Path:      "/api/rest/" + resource,
		Query: url.Values{
			"select": {fields},
			"limit":  {strconv.Itoa(adapter.PageSize(cfg, defaultPageSize))},
		},
		Paging: dispatch.Paging{CursorParam: "offset"},
	}
}

// nextOffset reads "first-last/total" from Content-Range.
func nextOffset(resp *storagedef.RawResponse, _ *codec.Document) string {
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return ""
	}
	span, total, ok := strings.Cut(strings.TrimPrefix(cr, "items "), "/")
	if !ok {
		return ""
	}
	_, last, ok := strings.Cut(span, "-")
	if !ok {
		return ""
	}
	end, err := strconv.Atoi(last)
	if err != nil {
		return ""
	}
	if n, err := strconv.Atoi(total); err == nil && end+1 >= n {
		return ""
	}
	return strconv.Itoa(end + 1)
}

// ListVolumes returns every volume of the cluster.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	spec := collectionSpec(cfg, "list_volumes", "volume", "id,name,size,logical_used,state,wwn,appliance_id")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, volumeMapping, adapter.Volumes(a.Kind, cfg.Name), nextOffset))
}

// ListPools reports the cluster's physical capacity as its pool.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	spec := collectionSpec(cfg, "list_pools", "cluster", "id,name,state,physical_capacity,physical_used")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, clusterMapping, adapter.Pools(a.Kind, cfg.Name), nextOffset))
}

// ListNodes returns the appliances of the cluster.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	spec := collectionSpec(cfg, "list_nodes", "appliance", "id,name,model,service_tag")
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, applianceMapping, adapter.Nodes(a.Kind, cfg.Name), nextOffset))
}

// PerformanceStats returns the most recent cluster performance interval.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	clusterID := cfg.Option("cluster_id", "0")
	body, err := json.Marshal(map[string]string{
		"entity":    "performance_metrics_by_cluster",
		"entity_id": clusterID,
		"interval":  cfg.Option("metrics_interval", "Twenty_Sec"),
	})
	if err != nil {
		return nil, err
	}
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Method:    http.MethodPost,
		Path:      "/api/rest/metrics/generate",
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      body,
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, metricsMapping)
	if err != nil {
		return nil, err
	}
	if len(doc.Records) == 0 {
		return nil, nil
	}

	latest := doc.Records[len(doc.Records)-1]
	ts, err := time.Parse(time.RFC3339, latest.String("timestamp"))
	if err != nil {
		ts = time.Now()
	}
	return adapter.Samples(latest, "cluster", clusterID, clusterStats, ts, a.Kind, cfg.Name), nil
}

type authenticator struct{}

// Login opens a login session with basic credentials. PowerStore answers
// with a token header and an auth cookie, both needed afterwards.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodGet,
		URL:    cfg.URL("/api/rest/login_session"),
		Header: http.Header{"Authorization": {session.BasicCredentials(cfg)}},
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	token := resp.Header.Get(tokenHeader)
	if token == "" {
		return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("login response carries no DELL-EMC-TOKEN"))
	}
	s := &session.Session{
		Header: http.Header{tokenHeader: {token}},
		Token:  token,
	}
	for _, c := range resp.Cookies() {
		s.Cookies = append(s.Cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return s, nil
}

// Logout releases the login session.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	req := &storagedef.Request{Method: http.MethodPost, URL: cfg.URL("/api/rest/logout")}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

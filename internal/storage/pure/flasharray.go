// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package pure provides the adapter for Pure Storage FlashArray via REST API v2.
package pure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	defaultAPIVersion = "2.4"
	defaultPageSize   = 500

	authTokenHeader = "x-auth-token"
	apiTokenHeader  = "api-token"

	// Purity derives a volume WWN from this vendor prefix and the serial.
	wwnPrefix = "624a9370"
)

func init() {
	adapter.Register(storagedef.VendorPure, New)
}

// Adapter talks to one FlashArray.
type Adapter struct {
	adapter.Base
}

// New creates a FlashArray adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorPure, deps, authenticator{})}
}

func apiPath(cfg storagedef.VendorConfig, resource string) string {
	return "/api/" + cfg.Option("api_version", defaultAPIVersion) + "/" + resource
}

var pageMeta = []codec.Field{
	{Target: "cursor", Source: "continuation_token"},
	{Target: "total", Source: "total_item_count", Kind: codec.Int},
}

var volumeMapping = codec.Mapping{
	Record: "items",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "provisioned", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "space.virtual", Kind: codec.Int, Unit: codec.Bytes},
		{Target: "serial", Source: "serial"},
		{Target: "destroyed", Source: "destroyed", Kind: codec.Bool},
		{Target: storagedef.FieldPool, Source: "pod.name"},
	},
	Meta: pageMeta,
}

var arrayMapping = codec.Mapping{
	Record: "items",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id"},
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "capacity", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "space.total_physical", Kind: codec.Int, Unit: codec.Bytes},
		{Target: "data_reduction", Source: "space.data_reduction", Kind: codec.Float},
	},
	Meta: pageMeta,
}

var controllerMapping = codec.Mapping{
	Record: "items",
	Fields: []codec.Field{
		{Target: storagedef.FieldName, Source: "name", Required: true},
		{Target: storagedef.FieldModel, Source: "model"},
		{Target: storagedef.FieldFirmware, Source: "version"},
		{Target: storagedef.FieldState, Source: "status"},
		{Target: "mode", Source: "mode"},
	},
	Meta: pageMeta,
}

var performanceMapping = codec.Mapping{
	Record: "items",
	Fields: []codec.Field{
		{Target: storagedef.FieldName, Source: "name"},
		{Target: "reads", Source: "reads_per_sec", Kind: codec.Float},
		{Target: "writes", Source: "writes_per_sec", Kind: codec.Float},
		{Target: "read_bytes", Source: "read_bytes_per_sec", Kind: codec.Float},
		{Target: "write_bytes", Source: "write_bytes_per_sec", Kind: codec.Float},
		{Target: "read_latency", Source: "usec_per_read_op", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "usec_per_write_op", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "queue_depth", Source: "queue_depth", Kind: codec.Float},
		{Target: "time", Source: "time", Kind: codec.Int},
	},
}

var performanceStats = []adapter.Stat{
	{Field: "reads", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "writes", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
	{Field: "queue_depth", Name: adapter.StatQueueDepth, Unit: storagedef.UnitCount},
}

func (a *Adapter) listSpec(cfg storagedef.VendorConfig, operation, resource string, query url.Values) dispatch.RequestSpec {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", strconv.Itoa(adapter.PageSize(cfg, defaultPageSize)))
	return dispatch.RequestSpec{
		Operation: operation,
		Path:      apiPath(cfg, resource),
		Query:     query,
		Paging:    dispatch.Paging{CursorParam: "continuation_token"},
	}
}

// ListVolumes returns the volumes that are not pending eradication.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	spec := a.listSpec(cfg, "list_volumes", "volumes", url.Values{"destroyed": {"false"}})
	build := func(f codec.Fields) storagedef.Volume {
		v := storagedef.NewVolume(f, a.Kind, cfg.Name)
		if serial := f.String("serial"); serial != "" {
			v.WWN = wwnPrefix + strings.ToLower(serial)
		}
		if f.Bool("destroyed") {
			v.State = "destroyed"
		} else {
			v.State = "ok"
		}
		return v
	}
	decode := adapter.Decoder(codec.JSON, volumeMapping, build, adapter.MetaCursor("cursor"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// ListPools reports the array itself as the single capacity pool, since a
// FlashArray shares one pool across all volumes.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	spec := a.listSpec(cfg, "list_pools", "arrays", nil)
	decode := adapter.Decoder(codec.JSON, arrayMapping, adapter.Pools(a.Kind, cfg.Name), adapter.MetaCursor("cursor"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// ListNodes returns the controllers.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	spec := a.listSpec(cfg, "list_nodes", "controllers", nil)
	decode := adapter.Decoder(codec.JSON, controllerMapping, adapter.Nodes(a.Kind, cfg.Name), adapter.MetaCursor("cursor"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// PerformanceStats returns array level throughput, IOPS and latency.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Path:      apiPath(cfg, "arrays/performance"),
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, performanceMapping)
	if err != nil {
		return nil, err
	}

	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		ts := time.Now()
		if ms := rec.Int("time"); ms > 0 {
			ts = time.UnixMilli(ms)
		}
		entity := rec.String(storagedef.FieldName)
		if entity == "" {
			entity = cfg.Name
		}
		samples = append(samples, adapter.Samples(rec, "array", entity, performanceStats, ts, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

type authenticator struct{}

// Login exchanges the API token for a session token. Without a configured
// token one is first obtained from the user credentials.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	token := cfg.Token
	if token == "" {
		var err error
		if token, err = fetchAPIToken(ctx, t, cfg); err != nil {
			return nil, err
		}
	}

	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL(apiPath(cfg, "login")),
		Header: http.Header{apiTokenHeader: {token}},
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	auth := resp.Header.Get(authTokenHeader)
	if auth == "" {
		return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("login response carries no x-auth-token"))
	}
	return &session.Session{
		Header: http.Header{authTokenHeader: {auth}},
		Token:  auth,
	}, nil
}

func fetchAPIToken(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (string, error) {
	body, err := json.Marshal(map[string]string{"username": cfg.Username, "password": cfg.Password})
	if err != nil {
		return "", err
	}
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL("/api/" + cfg.Option("legacy_api_version", "1.19") + "/auth/apitoken"),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return "", session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	var out struct {
		APIToken string `json:"api_token"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", session.LoginFailed(cfg, resp.StatusCode, fmt.Errorf("decode api token: %w", err))
	}
	if out.APIToken == "" {
		return "", session.LoginFailed(cfg, resp.StatusCode, errors.New("response carries no api_token"))
	}
	return out.APIToken, nil
}

// Logout ends the REST session.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	req := &storagedef.Request{Method: http.MethodPost, URL: cfg.URL(apiPath(cfg, "logout"))}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

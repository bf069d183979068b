// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package scaleio provides the adapter for Dell EMC ScaleIO (PowerFlex)
// systems through the MDM gateway REST API.
package scaleio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const (
	loginPath  = "/api/login"
	logoutPath = "/api/logout"

	// parallel per pool statistics calls
	poolStatsLimit = 4
)

func init() {
	adapter.Register(storagedef.VendorScaleIO, New)
}

// Adapter talks to the gateway of one ScaleIO system.
type Adapter struct {
	adapter.Base
}

// New creates a ScaleIO adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorScaleIO, deps, authenticator{})}
}

func instancesPath(typ string) string {
	return "/api/types/" + typ + "/instances"
}

func statisticsPath(typ, id string) string {
	return "/api/instances/" + typ + "::" + id + "/relationships/Statistics"
}

var volumeMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldCapacityBytes, Source: "sizeInKb", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldPool, Source: "storagePoolId"},
		{Target: "volume_type", Source: "volumeType"},
	},
}

var poolMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
	},
}

var poolStatsMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldCapacityBytes, Source: "capacityLimitInKb", Kind: codec.Int, Unit: codec.KiB},
		{Target: storagedef.FieldUsedBytes, Source: "capacityInUseInKb", Kind: codec.Int, Unit: codec.KiB},
	},
}

var sdsMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
		{Target: storagedef.FieldState, Source: "sdsState"},
		{Target: storagedef.FieldFirmware, Source: "softwareVersionInfo"},
	},
}

var systemMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "name"},
	},
}

// Bandwidth counters report the operations and KiB seen over a window of
// numSeconds. Primary counters exclude mirror traffic; total counters are
// the fallback when a system does not report them.
var bwcCounters = []string{"primaryReadBwc", "primaryWriteBwc", "totalReadBwc", "totalWriteBwc"}

var systemStatsMapping = codec.Mapping{Fields: systemStatsFields()}

func systemStatsFields() []codec.Field {
	fields := []codec.Field{
		{Target: "total_capacity", Source: "capacityLimitInKb", Kind: codec.Int, Unit: codec.KiB},
		{Target: "used_capacity", Source: "capacityInUseInKb", Kind: codec.Int, Unit: codec.KiB},
	}
	for _, c := range bwcCounters {
		fields = append(fields,
			codec.Field{Target: c + ".ops", Source: c + ".numOccured", Kind: codec.Float},
			codec.Field{Target: c + ".bytes", Source: c + ".totalWeightInKb", Kind: codec.Float, Unit: codec.KiB},
			codec.Field{Target: c + ".seconds", Source: c + ".numSeconds", Kind: codec.Float},
		)
	}
	return fields
}

var systemStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "total_capacity", Name: adapter.StatTotalCapacity, Unit: storagedef.UnitBytes},
	{Field: "used_capacity", Name: adapter.StatUsedCapacity, Unit: storagedef.UnitBytes},
}

func (a *Adapter) get(ctx context.Context, cfg storagedef.VendorConfig, operation, path string, m codec.Mapping) (*codec.Document, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{Operation: operation, Path: path})
	if err != nil {
		return nil, err
	}
	return codec.Decode(resp.Body, codec.JSON, m)
}

// ListVolumes returns every volume. Unnamed volumes are reported by id.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	build := func(f codec.Fields) storagedef.Volume {
		v := storagedef.NewVolume(f, a.Kind, cfg.Name)
		if v.Name == "" {
			v.Name = v.ID
		}
		return v
	}
	spec := dispatch.RequestSpec{Operation: "list_volumes", Path: instancesPath("Volume")}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, volumeMapping, build, nil))
}

// ListPools returns the storage pools with capacity read from each pool's
// statistics relationship.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	doc, err := a.get(ctx, cfg, "list_pools", instancesPath("StoragePool"), poolMapping)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolStatsLimit)
	for _, rec := range doc.Records {
		g.Go(func() error {
			stats, err := a.get(gctx, cfg, "pool_statistics", statisticsPath("StoragePool", rec.String(storagedef.FieldID)), poolStatsMapping)
			if err != nil {
				return err
			}
			if len(stats.Records) == 0 {
				return nil
			}
			// each goroutine owns its record
			for k, v := range stats.Records[0] {
				rec[k] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pools := make([]storagedef.Pool, 0, len(doc.Records))
	for _, rec := range doc.Records {
		pools = append(pools, storagedef.NewPool(rec, a.Kind, cfg.Name))
	}
	return pools, nil
}

// ListNodes returns the SDS data servers.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	spec := dispatch.RequestSpec{Operation: "list_nodes", Path: instancesPath("Sds")}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, sdsMapping, adapter.Nodes(a.Kind, cfg.Name), nil))
}

// PerformanceStats returns system wide IOPS, bandwidth and capacity derived
// from the bandwidth counters of the system statistics.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	systems, err := a.get(ctx, cfg, "list_systems", instancesPath("System"), systemMapping)
	if err != nil {
		return nil, err
	}

	var samples []storagedef.MetricSample
	for _, sys := range systems.Records {
		id := sys.String(storagedef.FieldID)
		doc, err := a.get(ctx, cfg, "performance_stats", statisticsPath("System", id), systemStatsMapping)
		if err != nil {
			return nil, err
		}
		entity := sys.String(storagedef.FieldName)
		if entity == "" {
			entity = id
		}
		now := time.Now()
		for _, rec := range doc.Records {
			applyRates(rec, "read", "primaryReadBwc", "totalReadBwc")
			applyRates(rec, "write", "primaryWriteBwc", "totalWriteBwc")
			if rec.Has("read_ops") || rec.Has("write_ops") {
				rec["total_ops"] = rec.Float("read_ops") + rec.Float("write_ops")
			}
			samples = append(samples, adapter.Samples(rec, "system", entity, systemStats, now, a.Kind, cfg.Name)...)
		}
	}
	return samples, nil
}

// applyRates sets <dir>_ops and <dir>_bytes from the first counter with a
// non-empty window. A counter without a window yields no rate.
func applyRates(rec codec.Fields, dir string, counters ...string) {
	for _, c := range counters {
		secs := rec.Float(c + ".seconds")
		if secs <= 0 {
			continue
		}
		rec[dir+"_ops"] = rec.Float(c+".ops") / secs
		rec[dir+"_bytes"] = rec.Float(c+".bytes") / secs
		return
	}
}

type authenticator struct{}

// Login trades the user credentials for a gateway token. The token then
// replaces the password in basic credentials.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodGet,
		URL:    cfg.URL(loginPath),
		Header: http.Header{"Authorization": {session.BasicCredentials(cfg)}},
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	token, err := parseToken(resp.Body)
	if err != nil {
		return nil, session.LoginFailed(cfg, resp.StatusCode, err)
	}
	tokenCfg := cfg
	tokenCfg.Password = token
	return &session.Session{
		Header: http.Header{"Authorization": {session.BasicCredentials(tokenCfg)}},
		Token:  token,
	}, nil
}

// parseToken reads the JSON string the gateway returns from login.
func parseToken(body []byte) (string, error) {
	var token string
	if err := json.Unmarshal(bytes.TrimSpace(body), &token); err != nil {
		return "", fmt.Errorf("decode login token: %w", err)
	}
	if token == "" {
		return "", errors.New("login response carries an empty token")
	}
	return token, nil
}

// Logout invalidates the gateway token.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	req := &storagedef.Request{Method: http.MethodGet, URL: cfg.URL(logoutPath)}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

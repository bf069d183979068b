// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package isilon provides the adapter for Dell EMC Isilon (PowerScale)
// clusters via the OneFS platform API. Directory quotas are reported as
// volumes and the cluster file system as the single pool.
package isilon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/url"
	"slices"
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
	sessionPath = "/session/1/session"
	statfsPath  = "/platform/1/cluster/statfs"
	quotasPath  = "/platform/1/quota/quotas"
	nodesPath   = "/platform/3/cluster/nodes"
	statsPath   = "/platform/1/statistics/current"

	sessionCookie = "isisessid"
	csrfCookie    = "isicsrf"
	csrfHeader    = "X-CSRF-Token"

	defaultPageSize = 1000
)

func init() {
	adapter.Register(storagedef.VendorIsilon, New)
}

// Adapter talks to one OneFS cluster.
type Adapter struct {
	adapter.Base
}

// New creates a OneFS adapter. Sessions use the session service unless the
// "auth" option is "basic".
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorIsilon, deps, authenticator{})}
}

var quotaMapping = codec.Mapping{
	Record: "quotas",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: storagedef.FieldName, Source: "path", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "thresholds.hard", Kind: codec.Int, Unit: codec.Bytes},
		{Target: storagedef.FieldUsedBytes, Source: "usage.logical", Kind: codec.Int, Unit: codec.Bytes},
		{Target: "type", Source: "type"},
		{Target: "enforced", Source: "enforced", Kind: codec.Bool},
	},
	Meta: []codec.Field{{Target: "resume", Source: "resume"}},
}

var statfsMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: "blocks", Source: "f_blocks", Kind: codec.Int, Required: true},
		{Target: "block_size", Source: "f_bsize", Kind: codec.Int, Required: true},
		{Target: "free", Source: "f_bfree", Kind: codec.Int},
		{Target: "available", Source: "f_bavail", Kind: codec.Int},
		{Target: "mount", Source: "f_mntonname"},
	},
}

var nodeMapping = codec.Mapping{
	Record: "nodes",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "id", Required: true},
		{Target: "lnn", Source: "lnn"},
		{Target: storagedef.FieldModel, Source: "hardware.model"},
		{Target: storagedef.FieldSerial, Source: "hardware.serial_number"},
		{Target: storagedef.FieldFirmware, Source: "status.release"},
		{Target: storagedef.FieldUptimeSeconds, Source: "status.uptime", Kind: codec.Int, Unit: codec.Seconds},
		{Target: "readonly", Source: "state.readonly.enabled", Kind: codec.Bool},
		{Target: "smartfailed", Source: "state.smartfail.smartfailed", Kind: codec.Bool},
	},
	Meta: []codec.Field{{Target: "resume", Source: "resume"}},
}

var statMapping = codec.Mapping{
	Record: "stats",
	Fields: []codec.Field{
		{Target: "key", Source: "key", Required: true},
		{Target: "value", Source: "value", Kind: codec.Float},
		{Target: "time", Source: "time", Kind: codec.Int},
		{Target: "error", Source: "error"},
	},
}

// statKeys maps OneFS statistics keys onto sample fields. Disk transfers
// "out" of the cluster are reads.
var statKeys = map[string]string{
	"cluster.disk.xfers.out.rate": "read_ops",
	"cluster.disk.xfers.in.rate":  "write_ops",
	"cluster.disk.bytes.out.rate": "read_bytes",
	"cluster.disk.bytes.in.rate":  "write_bytes",
	"cluster.cpu.idle.avg":        "cpu_idle",
}

var clusterStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "total_ops", Name: adapter.StatTotalOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "cpu_utilization", Name: adapter.StatCPUUtilization, Unit: storagedef.UnitRatio},
}

// resumeSpec pages with a resume token. OneFS rejects other query
// arguments next to resume, so the cursor replaces the whole query.
func resumeSpec(operation, path string, query url.Values) dispatch.RequestSpec {
	return dispatch.RequestSpec{
		Operation: operation,
		Path:      path,
		Query:     query,
		Paging: dispatch.Paging{Apply: func(s *dispatch.RequestSpec, cursor string) error {
			s.Query = url.Values{"resume": {cursor}}
			return nil
		}},
	}
}

// ListVolumes returns directory quotas. A quota without a hard threshold
// reports no capacity.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	query := url.Values{
		"type":  {"directory"},
		"limit": {strconv.Itoa(adapter.PageSize(cfg, defaultPageSize))},
	}
	build := func(f codec.Fields) storagedef.Volume {
		v := storagedef.NewVolume(f, a.Kind, cfg.Name)
		if f.Bool("enforced") {
			v.State = "enforced"
		} else {
			v.State = "accounting"
		}
		return v
	}
	decode := adapter.Decoder(codec.JSON, quotaMapping, build, adapter.MetaCursor("resume"))
	return adapter.List(ctx, a.Base, cfg, resumeSpec("list_volumes", quotasPath, query), decode)
}

// ListPools reports the cluster file system as one pool.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{Operation: "list_pools", Path: statfsPath})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, statfsMapping)
	if err != nil {
		return nil, err
	}

	pools := make([]storagedef.Pool, 0, len(doc.Records))
	for _, rec := range doc.Records {
		f, err := statfsCapacity(rec)
		if err != nil {
			return nil, err
		}
		f[storagedef.FieldName] = cfg.Name
		if mount := rec.String("mount"); mount != "" {
			f[storagedef.FieldID] = mount
		}
		pools = append(pools, storagedef.NewPool(f, a.Kind, cfg.Name))
	}
	return pools, nil
}

// statfsCapacity converts block counts to bytes. Free space is what
// unprivileged writers can still use.
func statfsCapacity(rec codec.Fields) (codec.Fields, error) {
	size := rec.Int("block_size")
	capacity, err := blockBytes(rec.Int("blocks"), size)
	if err != nil {
		return nil, err
	}
	f := codec.Fields{storagedef.FieldCapacityBytes: capacity}
	freeField := "available"
	if !rec.Has(freeField) {
		freeField = "free"
	}
	if rec.Has(freeField) {
		free, err := blockBytes(rec.Int(freeField), size)
		if err != nil {
			return nil, err
		}
		f[storagedef.FieldFreeBytes] = free
	}
	return f, nil
}

func blockBytes(blocks, size int64) (int64, error) {
	if blocks < 0 || size < 0 || (size > 0 && blocks > math.MaxInt64/size) {
		return 0, &storagedef.CodecError{
			Kind:  storagedef.CodecInvalidValue,
			Shape: codec.JSON.String(),
			Field: "f_blocks",
			Err:   fmt.Errorf("%d blocks of %d bytes overflows int64", blocks, size),
		}
	}
	return blocks * size, nil
}

// ListNodes returns the cluster nodes named by logical node number.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	build := func(f codec.Fields) storagedef.Node {
		n := storagedef.NewNode(f, a.Kind, cfg.Name)
		if lnn := f.String("lnn"); lnn != "" {
			n.Name = cfg.Name + "-" + lnn
		}
		switch {
		case f.Bool("smartfailed"):
			n.State = "smartfailed"
		case f.Bool("readonly"):
			n.State = "readonly"
		default:
			n.State = "ok"
		}
		return n
	}
	decode := adapter.Decoder(codec.JSON, nodeMapping, build, adapter.MetaCursor("resume"))
	return adapter.List(ctx, a.Base, cfg, resumeSpec("list_nodes", nodesPath, nil), decode)
}

// PerformanceStats returns cluster wide disk throughput and CPU load.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	keys := slices.Sorted(maps.Keys(statKeys))
	resp, err := adapter.Call(ctx, a.Base, cfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Path:      statsPath,
		Query:     url.Values{"keys": {strings.Join(keys, ",")}},
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, statMapping)
	if err != nil {
		return nil, err
	}

	rec := codec.Fields{}
	var newest int64
	for _, stat := range doc.Records {
		field, ok := statKeys[stat.String("key")]
		if !ok || !stat.Has("value") {
			continue
		}
		if msg := stat.String("error"); msg != "" {
			a.Logger.Debug("statistics key unavailable", "array", cfg.Name, "key", stat.String("key"), "error", msg)
			continue
		}
		rec[field] = stat.Float("value")
		if ts := stat.Int("time"); ts > newest {
			newest = ts
		}
	}
	if rec.Has("read_ops") || rec.Has("write_ops") {
		rec["total_ops"] = rec.Float("read_ops") + rec.Float("write_ops")
	}
	// idle is reported in tenths of a percent
	if rec.Has("cpu_idle") {
		rec["cpu_utilization"] = (1000 - rec.Float("cpu_idle")) / 1000
	}

	ts := time.Now()
	if newest > 0 {
		ts = time.Unix(newest, 0)
	}
	return adapter.Samples(rec, "cluster", cfg.Name, clusterStats, ts, a.Kind, cfg.Name), nil
}

type authenticator struct{}

// Login creates a platform API session. The session cookie authenticates
// requests and the CSRF cookie is echoed in a header.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	if cfg.Option("auth", "session") == "basic" {
		return session.BasicAuth{}.Login(ctx, t, cfg)
	}
	body, err := json.Marshal(map[string]any{
		"username": cfg.Username,
		"password": cfg.Password,
		"services": []string{"platform"},
	})
	if err != nil {
		return nil, err
	}
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL(sessionPath),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}

	s := &session.Session{
		Header: http.Header{"Referer": {strings.TrimRight(cfg.Endpoint, "/")}},
		Echo:   map[string]string{csrfCookie: csrfHeader},
	}
	for _, c := range resp.Cookies() {
		if (c.Name == sessionCookie || c.Name == csrfCookie) && c.Value != "" {
			s.Cookies = append(s.Cookies, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	if s.Token = s.Cookie(sessionCookie); s.Token == "" {
		return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("login response carries no isisessid cookie"))
	}
	return s, nil
}

// Logout deletes the platform API session.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	if s.Token == "" {
		return nil
	}
	req := &storagedef.Request{Method: http.MethodDelete, URL: cfg.URL(sessionPath)}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

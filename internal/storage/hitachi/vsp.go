// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package hitachi provides the adapter for Hitachi VSP arrays. Inventory is
// read from the Configuration Manager REST API; performance comes from the
// CSV exports of Tuning Manager.
package hitachi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const (
	objectsPath     = "/ConfigurationManager/v1/objects/storages"
	tuningPath      = "/TuningManager/v1/objects/"
	tuningScope     = "tuning-manager"
	defaultPageSize = 1000

	dataStorageID = "storage_id"
	dataSessionID = "session_id"
)

func init() {
	adapter.Register(storagedef.VendorHitachi, New)
}

// Adapter talks to the Configuration Manager server in front of one
// storage system and, for performance, to its Tuning Manager agent.
type Adapter struct {
	adapter.Base
	tuning adapter.Base
}

// New creates a VSP adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{
		Base:   adapter.NewBase(storagedef.VendorHitachi, deps, authenticator{}),
		tuning: adapter.NewBase(storagedef.VendorHitachi, deps, session.BasicAuth{}),
	}
}

var ldevMapping = codec.Mapping{
	Record: "data",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "ldevId", Required: true},
		{Target: storagedef.FieldName, Source: "label"},
		{Target: storagedef.FieldCapacityBytes, Source: "blockCapacity", Kind: codec.Int, Unit: codec.Blocks512},
		{Target: storagedef.FieldUsedBytes, Source: "numOfUsedBlock", Kind: codec.Int, Unit: codec.Blocks512},
		{Target: storagedef.FieldState, Source: "status"},
		{Target: storagedef.FieldPool, Source: "poolId"},
		{Target: storagedef.FieldWWN, Source: "naaId"},
	},
}

var poolMapping = codec.Mapping{
	Record: "data",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "poolId", Required: true},
		{Target: storagedef.FieldName, Source: "poolName"},
		{Target: storagedef.FieldState, Source: "poolStatus"},
		{Target: storagedef.FieldCapacityBytes, Source: "totalPoolCapacity", Kind: codec.Int, Unit: codec.MiB},
		{Target: storagedef.FieldFreeBytes, Source: "availableVolumeCapacity", Kind: codec.Int, Unit: codec.MiB},
	},
}

var storageMapping = codec.Mapping{
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "storageDeviceId", Required: true},
		{Target: storagedef.FieldModel, Source: "model"},
		{Target: storagedef.FieldSerial, Source: "serialNumber"},
		{Target: storagedef.FieldFirmware, Source: "dkcMicroVersion"},
	},
}

// RAID_PI_LDS rows carry a second row with column types.
var ldevSummaryMapping = codec.Mapping{
	SkipRows: 1,
	Fields: []codec.Field{
		{Target: "ldev", Source: "LDEV_NUMBER", Required: true},
		{Target: "record_time", Source: "RECORD_TIME"},
		{Target: "read_ops", Source: "READ_IO_RATE", Kind: codec.Float},
		{Target: "write_ops", Source: "WRITE_IO_RATE", Kind: codec.Float},
		{Target: "read_bytes", Source: "READ_XFER_RATE", Kind: codec.Float, Unit: codec.KiB},
		{Target: "write_bytes", Source: "WRITE_XFER_RATE", Kind: codec.Float, Unit: codec.KiB},
		{Target: "read_latency", Source: "READ_RESPONSE_RATE", Kind: codec.Float, Unit: codec.Microseconds},
		{Target: "write_latency", Source: "WRITE_RESPONSE_RATE", Kind: codec.Float, Unit: codec.Microseconds},
	},
}

var ldevStats = []adapter.Stat{
	{Field: "read_ops", Name: adapter.StatReadOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "write_ops", Name: adapter.StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
	{Field: "read_bytes", Name: adapter.StatReadBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "write_bytes", Name: adapter.StatWriteBytes, Unit: storagedef.UnitBytesPerSecond},
	{Field: "read_latency", Name: adapter.StatReadLatency, Unit: storagedef.UnitSeconds},
	{Field: "write_latency", Name: adapter.StatWriteLatency, Unit: storagedef.UnitSeconds},
}

// Tuning Manager stamps records in the agent's local time.
const recordTimeLayout = "2006/01/02 15:04:05"

// storagePath returns the object path of the storage system the current
// session was opened against.
func (a *Adapter) storagePath(ctx context.Context, cfg storagedef.VendorConfig) (string, error) {
	h, err := a.Session(ctx, cfg)
	if err != nil {
		return "", err
	}
	id := h.Current().Data[dataStorageID]
	if id == "" {
		return "", &storagedef.ConfigError{Array: cfg.Name, Field: "options.storage_device_id"}
	}
	return objectsPath + "/" + url.PathEscape(id), nil
}

// ListVolumes returns the defined LDEVs, paging by head LDEV id.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	base, err := a.storagePath(ctx, cfg)
	if err != nil {
		return nil, err
	}
	count := adapter.PageSize(cfg, defaultPageSize)
	spec := dispatch.RequestSpec{
		Operation: "list_volumes",
		Path:      base + "/ldevs",
		Query: url.Values{
			"ldevOption": {"defined"},
			"headLdevId": {"0"},
			"count":      {strconv.Itoa(count)},
		},
		Paging: dispatch.Paging{CursorParam: "headLdevId"},
	}
	build := func(f codec.Fields) storagedef.Volume {
		v := storagedef.NewVolume(f, a.Kind, cfg.Name)
		if v.Name == "" {
			v.Name = "ldev-" + v.ID
		}
		return v
	}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, ldevMapping, build, adapter.LastRecordCursor(storagedef.FieldID, count)))
}

// ListPools returns the DP pools.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	base, err := a.storagePath(ctx, cfg)
	if err != nil {
		return nil, err
	}
	spec := dispatch.RequestSpec{Operation: "list_pools", Path: base + "/pools"}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, poolMapping, adapter.Pools(a.Kind, cfg.Name), nil))
}

// ListNodes reports the storage system itself.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	base, err := a.storagePath(ctx, cfg)
	if err != nil {
		return nil, err
	}
	build := func(f codec.Fields) storagedef.Node {
		n := storagedef.NewNode(f, a.Kind, cfg.Name)
		n.Name = cfg.Name
		return n
	}
	spec := dispatch.RequestSpec{Operation: "list_nodes", Path: base}
	return adapter.List(ctx, a.Base, cfg, spec, adapter.Decoder(codec.JSON, storageMapping, build, nil))
}

// PerformanceStats reads the LDEV summary record of the Tuning Manager
// RAID agent configured for the array.
func (a *Adapter) PerformanceStats(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	tcfg, err := tuningConfig(cfg)
	if err != nil {
		return nil, err
	}
	resp, err := adapter.Call(ctx, a.tuning, tcfg, dispatch.RequestSpec{
		Operation: "performance_stats",
		Path:      tuningPath + "RAID_PI_LDS",
		Query: url.Values{
			"hostName":          {cfg.Options["agent_host"]},
			"agentInstanceName": {cfg.Options["agent_instance"]},
		},
	})
	if err != nil {
		return nil, err
	}
	doc, err := codec.Decode(resp.Body, codec.CSV, ldevSummaryMapping)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var samples []storagedef.MetricSample
	for _, rec := range doc.Records {
		ts, err := time.ParseInLocation(recordTimeLayout, rec.String("record_time"), time.Local)
		if err != nil {
			ts = now
		}
		samples = append(samples, adapter.Samples(rec, "volume", rec.String("ldev"), ldevStats, ts, a.Kind, cfg.Name)...)
	}
	return samples, nil
}

// tuningConfig derives the config used against Tuning Manager. It shares
// credentials with the array but keeps a session of its own.
func tuningConfig(cfg storagedef.VendorConfig) (storagedef.VendorConfig, error) {
	for _, key := range []string{"tuning_manager_endpoint", "agent_host", "agent_instance"} {
		if cfg.Options[key] == "" {
			return cfg, &storagedef.ConfigError{Array: cfg.Name, Field: "options." + key}
		}
	}
	out := cfg
	out.Endpoint = cfg.Options["tuning_manager_endpoint"]
	out.Scope = tuningScope
	return out, nil
}

type authenticator struct{}

// Login opens a Configuration Manager session on the storage system named
// by the storage_device_id option, or on the first one the server manages.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	id := cfg.Option("storage_device_id", "")
	if id == "" {
		found, err := discoverStorage(ctx, t, cfg)
		if err != nil {
			return nil, err
		}
		id = found
	}

	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL(objectsPath + "/" + url.PathEscape(id) + "/sessions"),
		Header: http.Header{
			"Authorization": {session.BasicCredentials(cfg)},
			"Content-Type":  {"application/json"},
		},
		Body: []byte("{}"),
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	var out struct {
		Token     string `json:"token"`
		SessionID int64  `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, session.LoginFailed(cfg, resp.StatusCode, err)
	}
	if out.Token == "" {
		return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("session response carries no token"))
	}
	return &session.Session{
		Header: http.Header{"Authorization": {"Session " + out.Token}},
		Token:  out.Token,
		Data: map[string]string{
			dataStorageID: id,
			dataSessionID: strconv.FormatInt(out.SessionID, 10),
		},
	}, nil
}

func discoverStorage(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (string, error) {
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodGet,
		URL:    cfg.URL(objectsPath),
		Header: http.Header{"Authorization": {session.BasicCredentials(cfg)}},
	})
	if err != nil {
		return "", session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	doc, err := codec.Decode(resp.Body, codec.JSON, codec.Mapping{
		Record: "data",
		Fields: []codec.Field{{Target: "id", Source: "storageDeviceId", Required: true}},
	})
	if err != nil {
		return "", fmt.Errorf("list storage systems: %w", err)
	}
	if len(doc.Records) == 0 {
		return "", &storagedef.ConfigError{Array: cfg.Name, Field: "options.storage_device_id"}
	}
	return doc.Records[0].String("id"), nil
}

// Logout discards the session token.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	id, sid := s.Data[dataStorageID], s.Data[dataSessionID]
	if id == "" || sid == "" {
		return nil
	}
	req := &storagedef.Request{
		Method: http.MethodDelete,
		URL:    cfg.URL(objectsPath + "/" + url.PathEscape(id) + "/sessions/" + sid),
	}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

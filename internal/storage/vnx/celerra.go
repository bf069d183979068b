// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package vnx provides the adapter for EMC VNX and Celerra file arrays
// through the Celerra XML API.
package vnx

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const (
	loginPath = "/Login"
	apiPath   = "/servlets/CelerraManagementServices"

	namespace  = "http://www.emc.com/schemas/celerra/xml_api"
	apiVersion = "V1_1"

	ticketCookie  = "Ticket"
	sessionCookie = "JSESSIONID"
	sessionHeader = "CelerraConnector-Sess"
	controlHeader = "CelerraConnector-Ctl"
)

func init() {
	adapter.Register(storagedef.VendorVNX, New)
}

// Adapter talks to the Control Station of one VNX.
type Adapter struct {
	adapter.Base
}

// New creates a VNX adapter.
func New(deps adapter.Deps) storagedef.Adapter {
	return &Adapter{Base: adapter.NewBase(storagedef.VendorVNX, deps, authenticator{})}
}

var statusMeta = []codec.Field{
	{Target: "cursor", Source: "Response@cursor"},
	{Target: "severity", Source: "QueryStatus@maxSeverity"},
	{Target: "code", Source: "Problem@messageCode"},
	{Target: "message", Source: "Problem@message"},
	{Target: "description", Source: "Problem/Description"},
}

var volumeMapping = codec.Mapping{
	Record: "Volume",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "@volume"},
		{Target: storagedef.FieldName, Source: "@name", Required: true},
		{Target: storagedef.FieldState, Source: "@type"},
		{Target: storagedef.FieldCapacityBytes, Source: "@size", Kind: codec.Int, Unit: codec.MiB},
	},
	Meta: statusMeta,
}

var poolMapping = codec.Mapping{
	Record: "StoragePool",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "@pool"},
		{Target: storagedef.FieldName, Source: "@name", Required: true},
		{Target: storagedef.FieldCapacityBytes, Source: "@size", Kind: codec.Int, Unit: codec.MiB},
		{Target: storagedef.FieldUsedBytes, Source: "@usedSize", Kind: codec.Int, Unit: codec.MiB},
	},
	Meta: statusMeta,
}

var moverMapping = codec.Mapping{
	Record: "Mover",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "@mover", Required: true},
		{Target: storagedef.FieldName, Source: "@name"},
		{Target: "role", Source: "@role"},
	},
	Meta: statusMeta,
}

var moverStatusMapping = codec.Mapping{
	Record: "MoverStatus",
	Fields: []codec.Field{
		{Target: storagedef.FieldID, Source: "@mover", Required: true},
		{Target: storagedef.FieldFirmware, Source: "@version"},
		{Target: storagedef.FieldUptimeSeconds, Source: "@uptime", Kind: codec.Int, Unit: codec.Seconds},
		{Target: storagedef.FieldState, Source: "Status@maxSeverity"},
	},
}

// ListVolumes returns the volumes known to the Control Station.
func (a *Adapter) ListVolumes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Volume, error) {
	spec, err := querySpec("list_volumes", "VolumeQueryParams", nil)
	if err != nil {
		return nil, err
	}
	decode := adapter.Decoder(codec.XML, volumeMapping, adapter.Volumes(a.Kind, cfg.Name), adapter.MetaCursor("cursor"), checkStatus("list_volumes"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// ListPools returns the storage pools.
func (a *Adapter) ListPools(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Pool, error) {
	spec, err := querySpec("list_pools", "StoragePoolQueryParams", nil)
	if err != nil {
		return nil, err
	}
	decode := adapter.Decoder(codec.XML, poolMapping, adapter.Pools(a.Kind, cfg.Name), adapter.MetaCursor("cursor"), checkStatus("list_pools"))
	return adapter.List(ctx, a.Base, cfg, spec, decode)
}

// ListNodes returns the data movers joined with their status.
func (a *Adapter) ListNodes(ctx context.Context, cfg storagedef.VendorConfig) ([]storagedef.Node, error) {
	aspects := []xml.Attr{
		{Name: xml.Name{Local: "movers"}, Value: "true"},
		{Name: xml.Name{Local: "moverStatuses"}, Value: "true"},
	}
	spec, err := querySpec("list_nodes", "MoverQueryParams", aspects)
	if err != nil {
		return nil, err
	}

	resp, err := adapter.Call(ctx, a.Base, cfg, spec)
	if err != nil {
		return nil, err
	}
	movers, err := codec.Decode(resp.Body, codec.XML, moverMapping)
	if err != nil {
		return nil, err
	}
	if err := checkStatus("list_nodes")(movers); err != nil {
		return nil, err
	}
	statuses, err := codec.Decode(resp.Body, codec.XML, moverStatusMapping)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]codec.Fields, len(statuses.Records))
	for _, st := range statuses.Records {
		byID[st.String(storagedef.FieldID)] = st
	}

	nodes := make([]storagedef.Node, 0, len(movers.Records))
	for _, mv := range movers.Records {
		if st, ok := byID[mv.String(storagedef.FieldID)]; ok {
			for k, v := range st {
				if k != storagedef.FieldID {
					mv[k] = v
				}
			}
		}
		n := storagedef.NewNode(mv, a.Kind, cfg.Name)
		n.Model = mv.String("role")
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// PerformanceStats is not offered by the Celerra XML API.
func (a *Adapter) PerformanceStats(context.Context, storagedef.VendorConfig) ([]storagedef.MetricSample, error) {
	return nil, storagedef.Unsupported(a.Kind, "performance_stats")
}

func querySpec(operation, params string, aspects []xml.Attr) (dispatch.RequestSpec, error) {
	body, err := queryPacket(params, "", aspects)
	if err != nil {
		return dispatch.RequestSpec{}, err
	}
	return dispatch.RequestSpec{
		Operation: operation,
		Method:    http.MethodPost,
		Path:      apiPath,
		Header:    http.Header{"Content-Type": {"text/xml"}},
		Body:      body,
		Paging: dispatch.Paging{
			Apply: func(spec *dispatch.RequestSpec, cursor string) error {
				next, err := queryPacket(params, cursor, aspects)
				if err != nil {
					return err
				}
				spec.Body = next
				return nil
			},
		},
	}, nil
}

// queryPacket renders a RequestPacket holding one query.
func queryPacket(params, cursor string, aspects []xml.Attr) ([]byte, error) {
	packet := xml.StartElement{
		Name: xml.Name{Space: namespace, Local: "RequestPacket"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "apiVersion"}, Value: apiVersion}},
	}
	request := xml.StartElement{Name: xml.Name{Local: "Request"}}
	query := xml.StartElement{Name: xml.Name{Local: "Query"}}
	q := xml.StartElement{Name: xml.Name{Local: params}}
	if cursor != "" {
		q.Attr = append(q.Attr, xml.Attr{Name: xml.Name{Local: "cursor"}, Value: cursor})
	}

	tokens := []xml.Token{packet, request, query, q}
	if len(aspects) > 0 {
		sel := xml.StartElement{Name: xml.Name{Local: "AspectSelection"}, Attr: aspects}
		tokens = append(tokens, sel, sel.End())
	}
	tokens = append(tokens, q.End(), query.End(), request.End(), packet.End())

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	for _, tok := range tokens {
		if err := enc.EncodeToken(tok); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkStatus turns an error severity reported inside a 200 response into
// an AdapterError.
func checkStatus(operation string) adapter.Check {
	return func(doc *codec.Document) error {
		switch doc.Meta.String("severity") {
		case "error", "critical":
		default:
			return nil
		}
		msg := doc.Meta.String("message")
		if msg == "" {
			msg = doc.Meta.String("description")
		}
		if msg == "" {
			msg = "query failed"
		}
		return &storagedef.AdapterError{
			Vendor:    storagedef.VendorVNX,
			Operation: operation,
			Code:      doc.Meta.String("code"),
			Message:   msg,
		}
	}
}

type authenticator struct{}

// Login posts the form login and keeps the Ticket cookie. The Control
// Station later hands out JSESSIONID, which is echoed in a header.
func (authenticator) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*session.Session, error) {
	form := url.Values{
		"user":     {cfg.Username},
		"password": {cfg.Password},
		"Login":    {"Login"},
	}
	resp, err := t.Send(ctx, &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL(loginPath),
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return nil, session.LoginFailed(cfg, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.LoginFailed(cfg, resp.StatusCode, nil)
	}
	for _, c := range resp.Cookies() {
		if c.Name == ticketCookie && c.Value != "" {
			return &session.Session{
				Cookies: []*http.Cookie{{Name: c.Name, Value: c.Value}},
				Token:   c.Value,
				Echo:    map[string]string{sessionCookie: sessionHeader},
			}, nil
		}
	}
	return nil, session.LoginFailed(cfg, resp.StatusCode, errors.New("login response carries no Ticket cookie"))
}

// Logout asks the Control Station to drop the connector session.
func (authenticator) Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *session.Session) error {
	req := &storagedef.Request{
		Method: http.MethodPost,
		URL:    cfg.URL(apiPath),
		Header: http.Header{controlHeader: {"DISCONNECT"}},
	}
	s.Decorate(req)
	_, err := t.Send(ctx, req)
	return err
}

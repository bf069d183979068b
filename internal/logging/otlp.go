// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
)

const scopeName = "github.com/platformbuilds/storagebridge"

// LoggerProvider is the subset of the OTel SDK provider the bridge needs.
type LoggerProvider interface {
	Logger(name string, opts ...otellog.LoggerOption) otellog.Logger
}

// OTLPHandler passes records to next and emits them as OTel log records.
type OTLPHandler struct {
	next   slog.Handler
	logger otellog.Logger
	level  slog.Leveler
	attrs  []otellog.KeyValue
	group  string
}

// NewOTLPHandler wraps next. Records below level are not emitted.
func NewOTLPHandler(next slog.Handler, provider LoggerProvider, level slog.Leveler) *OTLPHandler {
	return &OTLPHandler{
		next:   next,
		logger: provider.Logger(scopeName),
		level:  level,
	}
}

func (h *OTLPHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() || h.next.Enabled(ctx, l)
}

func (h *OTLPHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		rec := otellog.Record{}
		rec.SetTimestamp(r.Time)
		rec.SetBody(otellog.StringValue(r.Message))
		rec.SetSeverity(severity(r.Level))
		rec.SetSeverityText(r.Level.String())
		rec.AddAttributes(h.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			rec.AddAttributes(convert(h.group, a)...)
			return true
		})
		h.logger.Emit(ctx, rec)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *OTLPHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, convert(h.group, a)...)
	}
	return &c
}

func (h *OTLPHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.next = h.next.WithGroup(name)
	c.group = qualify(h.group, name)
	return &c
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func convert(group string, a slog.Attr) []otellog.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return nil
	}
	key := qualify(group, a.Key)
	switch a.Value.Kind() {
	case slog.KindGroup:
		var out []otellog.KeyValue
		for _, ga := range a.Value.Group() {
			out = append(out, convert(key, ga)...)
		}
		return out
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, a.Value.Bool())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, a.Value.Int64())}
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, a.Value.Float64())}
	}
	return []otellog.KeyValue{otellog.String(key, a.Value.String())}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	}
	return otellog.SeverityDebug
}

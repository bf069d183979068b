// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package adapter holds the vendor adapter registry and the helpers vendor
// packages share: decoding pages through codec mappings and turning decoded
// records into the common model.
//
// Vendor packages register themselves from init, so the set of available
// vendors is decided by which packages the binary imports.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Deps are the shared services handed to every adapter.
type Deps struct {
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Log        *slog.Logger
}

// Factory builds an adapter from the shared services.
type Factory func(deps Deps) storagedef.Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[storagedef.VendorType]Factory)
)

// Register makes a vendor available. It panics when called twice for the
// same vendor.
func Register(vendor storagedef.VendorType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("adapter: Register factory is nil")
	}
	if _, dup := registry[vendor]; dup {
		panic("adapter: Register called twice for vendor " + string(vendor))
	}
	registry[vendor] = f
}

// New builds the adapter registered for vendor. Vendors left out of the
// build report an error matching storagedef.ErrUnsupported.
func New(vendor storagedef.VendorType, deps Deps) (storagedef.Adapter, error) {
	registryMu.RLock()
	f, ok := registry[vendor]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vendor %q is not available in this build: %w", vendor, storagedef.ErrUnsupported)
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return f(deps), nil
}

// Vendors lists the registered vendors in name order.
func Vendors() []storagedef.VendorType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]storagedef.VendorType, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Base carries the pieces every vendor adapter needs. Vendor packages embed
// it and supply an authenticator.
type Base struct {
	Deps   Deps
	Kind   storagedef.VendorType
	Auth   session.Authenticator
	Logger *slog.Logger
}

// NewBase wires deps for one vendor.
func NewBase(vendor storagedef.VendorType, deps Deps, auth session.Authenticator) Base {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return Base{
		Deps:   deps,
		Kind:   vendor,
		Auth:   auth,
		Logger: log.With("component", "adapter", "vendor", string(vendor)),
	}
}

// Vendor returns the vendor this adapter speaks to.
func (b Base) Vendor() storagedef.VendorType { return b.Kind }

// Session returns a handle holding a valid session for cfg.
func (b Base) Session(ctx context.Context, cfg storagedef.VendorConfig) (*session.Handle, error) {
	return b.Deps.Sessions.Ensure(ctx, cfg, b.Auth)
}

// List runs a paginated call to completion and returns its items.
func List[T storagedef.Record](ctx context.Context, b Base, cfg storagedef.VendorConfig, spec dispatch.RequestSpec, decode dispatch.PageDecoder[T]) ([]T, error) {
	h, err := b.Session(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := dispatch.Execute(ctx, b.Deps.Dispatcher, h, spec, decode)
	if err != nil {
		return nil, err
	}
	b.Logger.Debug("listed records", "array", cfg.Name, "operation", spec.Operation, "count", len(res.Items))
	return res.Items, nil
}

// Call sends a single request and returns the raw response.
func Call(ctx context.Context, b Base, cfg storagedef.VendorConfig, spec dispatch.RequestSpec) (*storagedef.RawResponse, error) {
	h, err := b.Session(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b.Deps.Dispatcher.Call(ctx, h, spec)
}

// PageSize reads the "page_size" option, falling back to def.
func PageSize(cfg storagedef.VendorConfig, def int) int {
	n, err := strconv.Atoi(cfg.Option("page_size", ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

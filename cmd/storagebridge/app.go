// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platformbuilds/storagebridge/internal/config"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/exporters"
	"github.com/platformbuilds/storagebridge/internal/exporters/remotewrite"
	"github.com/platformbuilds/storagebridge/internal/selftelemetry"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// app owns the long-lived components. The storage manager is replaced on
// configuration reload; sessions and the dispatcher survive it.
type app struct {
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *selftelemetry.Metrics
	sessions *session.Manager
	deps     adapter.Deps

	mu      sync.RWMutex
	mgr     *storage.Manager
	watcher *config.Watcher
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	reg := selftelemetry.NewRegistry()
	metrics := selftelemetry.NewMetrics(cfg.Telemetry.Namespace, reg)

	sessions := session.NewManager(cfg.Session, log,
		session.WithLoginObserver(func(vendor storagedef.VendorType, err error) {
			metrics.ObserveLogin(string(vendor), err)
		}),
	)
	a := &app{
		log:      log,
		registry: reg,
		metrics:  metrics,
		sessions: sessions,
		deps: adapter.Deps{
			Sessions:   sessions,
			Dispatcher: dispatch.New(cfg.Dispatch, log, metrics),
			Log:        log,
		},
	}

	mgr, err := a.newManager(cfg)
	if err != nil {
		return nil, err
	}
	a.mgr = mgr

	if err := reg.Register(storage.NewCollector(a)); err != nil {
		return nil, fmt.Errorf("register storage collector: %w", err)
	}
	return a, nil
}

func (a *app) newManager(cfg *config.Config) (*storage.Manager, error) {
	var sinks []storagedef.MetricExporter
	if cfg.Exports.OTLP.Enabled {
		sinks = append(sinks, storage.NewOTLPExporter(cfg.Exports.OTLP, a.log))
	}
	if cfg.Exports.RemoteWrite.Enabled {
		rw, err := remotewrite.New(cfg.Exports.RemoteWrite, a.log)
		if err != nil {
			return nil, fmt.Errorf("remote write: %w", err)
		}
		sinks = append(sinks, rw)
	}

	opts := []storage.Option{storage.WithMetrics(a.metrics)}
	if len(sinks) > 0 {
		fanout := exporters.NewFanout(cfg.Exports.Fanout, sinks, a.log, a.metrics)
		opts = append(opts, storage.WithExporter(fanout))
	}
	mgr, err := storage.NewManager(cfg.Storage, a.deps, a.log, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return mgr, nil
}

func (a *app) current() *storage.Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mgr
}

// watch reloads the storage manager whenever the config file changes.
func (a *app) watch(ctx context.Context, cfg config.WatcherConfig) error {
	w, err := config.NewWatcher(cfg, a.log)
	if err != nil {
		return err
	}
	w.OnChange(func(next *config.Config) error {
		return a.reload(ctx, next)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	return nil
}

func (a *app) reload(ctx context.Context, cfg *config.Config) error {
	next, err := a.newManager(cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.mgr
	a.mgr = next
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := prev.Stop(stopCtx); err != nil {
		a.log.Warn("stopping previous storage manager", "error", err)
	}
	if err := next.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	a.log.Info("configuration reloaded", "arrays", len(cfg.Storage.Arrays))
	return nil
}

func (a *app) stop(ctx context.Context) error {
	a.mu.RLock()
	w := a.watcher
	a.mu.RUnlock()
	if w != nil {
		_ = w.Stop(ctx)
	}
	return a.current().Stop(ctx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sessions.Close(ctx); err != nil {
		a.log.Warn("closing sessions", "error", err)
	}
}

// The methods below let the API and the scrape collector follow reloads.

func (a *app) Arrays() []storage.Array { return a.current().Arrays() }

func (a *app) Latest() []storagedef.Snapshot { return a.current().Latest() }

func (a *app) Snapshot(name string) (storagedef.Snapshot, bool) {
	return a.current().Snapshot(name)
}

func (a *app) LastCollectionTime() time.Time { return a.current().LastCollectionTime() }

func (a *app) Volumes(ctx context.Context, name string) ([]storagedef.Volume, error) {
	return a.current().Volumes(ctx, name)
}

func (a *app) Pools(ctx context.Context, name string) ([]storagedef.Pool, error) {
	return a.current().Pools(ctx, name)
}

func (a *app) Nodes(ctx context.Context, name string) ([]storagedef.Node, error) {
	return a.current().Nodes(ctx, name)
}

func (a *app) Stats(ctx context.Context, name string) ([]storagedef.MetricSample, error) {
	return a.current().Stats(ctx, name)
}

func vendorNames() string {
	vendors := adapter.Vendors()
	names := make([]string, len(vendors))
	for i, v := range vendors {
		names[i] = string(v)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

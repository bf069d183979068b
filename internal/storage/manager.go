// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage polls the configured storage arrays through their vendor
// adapters and hands the resulting snapshots to the configured sinks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/storagebridge/internal/selftelemetry"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Operation names as they appear in Snapshot.Errors.
const (
	OpListVolumes      = "list_volumes"
	OpListPools        = "list_pools"
	OpListNodes        = "list_nodes"
	OpPerformanceStats = "performance_stats"
)

// ErrArrayNotFound is returned for queries naming an unknown array.
var ErrArrayNotFound = errors.New("array not found")

// Array describes one configured array and its last known health.
type Array struct {
	Name     string                 `json:"name"`
	Vendor   storagedef.VendorType  `json:"vendor"`
	Endpoint string                 `json:"endpoint"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Health   storagedef.ArrayHealth `json:"health"`
}

type array struct {
	cfg     storagedef.VendorConfig
	adapter storagedef.Adapter
}

// Manager coordinates collection from all configured arrays
type Manager struct {
	config    storagedef.Config
	arrays    map[string]*array
	names     []string
	exporters []storagedef.MetricExporter
	metrics   *selftelemetry.Metrics
	log       *slog.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	lastRun time.Time

	stateMu sync.RWMutex
	latest  map[string]storagedef.Snapshot
	health  map[string]*storagedef.ArrayHealth
}

// Option customizes a Manager.
type Option func(*Manager)

// WithExporter adds a snapshot sink.
func WithExporter(e storagedef.MetricExporter) Option {
	return func(m *Manager) { m.exporters = append(m.exporters, e) }
}

// WithMetrics records collection and export telemetry.
func WithMetrics(metrics *selftelemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds an adapter for every configured array. Arrays whose
// vendor is not part of this build are reported as unhealthy and skipped.
func NewManager(cfg storagedef.Config, deps adapter.Deps, log *slog.Logger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage-manager")
	if deps.Log == nil {
		deps.Log = log
	}

	if cfg.CollectInterval == 0 {
		cfg.CollectInterval = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	m := &Manager{
		config: cfg,
		arrays: make(map[string]*array, len(cfg.Arrays)),
		log:    log,
		stopCh: make(chan struct{}),
		latest: make(map[string]storagedef.Snapshot),
		health: make(map[string]*storagedef.ArrayHealth),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, ac := range cfg.Arrays {
		if err := ac.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.arrays[ac.Name]; dup {
			return nil, &storagedef.ConfigError{Array: ac.Name, Field: "name", Reason: "duplicate array name"}
		}
		a, err := adapter.New(ac.Vendor, deps)
		if err != nil {
			log.Warn("array skipped", "array", ac.Name, "vendor", ac.Vendor, "error", err)
			m.health[ac.Name] = &storagedef.ArrayHealth{
				Status:    storagedef.HealthStatusUnhealthy,
				LastError: err.Error(),
			}
			continue
		}
		m.arrays[ac.Name] = &array{cfg: ac, adapter: a}
		m.names = append(m.names, ac.Name)
		m.health[ac.Name] = &storagedef.ArrayHealth{Status: storagedef.HealthStatusUnknown}
	}
	sort.Strings(m.names)
	return m, nil
}

// Start starts the exporters and begins periodic collection
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if !m.config.Enabled {
		m.log.Info("storage collection is disabled")
		return nil
	}

	for _, e := range m.exporters {
		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("failed to start exporter %s: %w", exporterName(e), err)
		}
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.collectLoop(ctx, m.stopCh)

	m.running = true
	m.log.Info("storage manager started",
		"arrays", len(m.arrays),
		"collect_interval", m.config.CollectInterval,
		"concurrency", m.config.Concurrency,
	)
	return nil
}

// Stop ends collection and stops the exporters
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.running = false

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, e := range m.exporters {
		if err := e.Stop(ctx); err != nil {
			m.log.Warn("error stopping exporter", "exporter", exporterName(e), "error", err)
		}
	}

	m.log.Info("storage manager stopped")
	return nil
}

func (m *Manager) collectLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CollectInterval)
	defer ticker.Stop()

	m.CollectOnce(ctx)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CollectOnce(ctx)
		}
	}
}

// CollectOnce polls every array, exports the snapshots and returns them in
// array name order.
func (m *Manager) CollectOnce(ctx context.Context) []storagedef.Snapshot {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.config.CollectInterval)
	defer cancel()

	snapshots := make([]storagedef.Snapshot, len(m.names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for i, name := range m.names {
		a := m.arrays[name]
		g.Go(func() error {
			snapshots[i] = m.collectArray(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	m.export(ctx, snapshots)

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
	m.metrics.SetReady(true)

	m.log.Info("collection cycle completed",
		"arrays", len(snapshots),
		"duration", time.Since(start),
	)
	return snapshots
}

func (m *Manager) collectArray(ctx context.Context, a *array) storagedef.Snapshot {
	start := time.Now()
	snap := storagedef.Snapshot{
		Array:       a.cfg.Name,
		Vendor:      a.cfg.Vendor,
		Labels:      a.cfg.Labels,
		CollectedAt: start,
	}

	var (
		failed    []string
		supported int
		lastErr   error
	)
	run := func(op string, fn func() error) {
		err := fn()
		switch {
		case err == nil:
			supported++
		case errors.Is(err, storagedef.ErrUnsupported):
			m.log.Debug("operation not supported", "array", a.cfg.Name, "operation", op)
		default:
			supported++
			failed = append(failed, op)
			lastErr = err
			if snap.Errors == nil {
				snap.Errors = make(map[string]string)
			}
			snap.Errors[op] = err.Error()
			m.log.Warn("operation failed", "array", a.cfg.Name, "operation", op, "error", err)
		}
	}

	run(OpListVolumes, func() (err error) {
		snap.Volumes, err = a.adapter.ListVolumes(ctx, a.cfg)
		return err
	})
	run(OpListPools, func() (err error) {
		snap.Pools, err = a.adapter.ListPools(ctx, a.cfg)
		return err
	})
	run(OpListNodes, func() (err error) {
		snap.Nodes, err = a.adapter.ListNodes(ctx, a.cfg)
		return err
	})
	run(OpPerformanceStats, func() (err error) {
		snap.Stats, err = a.adapter.PerformanceStats(ctx, a.cfg)
		return err
	})
	snap.Duration = time.Since(start)

	m.metrics.ObserveCollect(a.cfg.Name, string(a.cfg.Vendor), snap.Duration, failed)
	m.updateHealth(a.cfg.Name, snap, len(failed), supported, lastErr)

	m.stateMu.Lock()
	m.latest[a.cfg.Name] = snap
	m.stateMu.Unlock()

	m.log.Debug("collected array",
		"array", a.cfg.Name,
		"volumes", len(snap.Volumes),
		"pools", len(snap.Pools),
		"nodes", len(snap.Nodes),
		"stats", len(snap.Stats),
		"duration", snap.Duration,
	)
	return snap
}

func (m *Manager) export(ctx context.Context, snapshots []storagedef.Snapshot) {
	if len(snapshots) == 0 {
		return
	}
	for _, e := range m.exporters {
		start := time.Now()
		err := e.Export(ctx, snapshots)
		m.metrics.ObserveExport(exporterName(e), time.Since(start), err)
		if err != nil {
			m.log.Warn("failed to export snapshots", "exporter", exporterName(e), "error", err)
		}
	}
}

// updateHealth derives the array status from how many supported
// operations failed in the last pass.
func (m *Manager) updateHealth(name string, snap storagedef.Snapshot, failed, supported int, lastErr error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	h, ok := m.health[name]
	if !ok {
		h = &storagedef.ArrayHealth{}
		m.health[name] = h
	}
	h.LastCheck = snap.CollectedAt
	h.ResponseTime = snap.Duration

	switch {
	case failed == 0:
		h.Status = storagedef.HealthStatusHealthy
		h.LastSuccess = snap.CollectedAt
		h.LastError = ""
	case failed < supported:
		h.Status = storagedef.HealthStatusDegraded
		h.LastSuccess = snap.CollectedAt
	default:
		h.Status = storagedef.HealthStatusUnhealthy
	}
	if lastErr != nil {
		h.ErrorCount++
		h.LastError = lastErr.Error()
	}
}

// Health returns a copy of the health of every configured array
func (m *Manager) Health() map[string]storagedef.ArrayHealth {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make(map[string]storagedef.ArrayHealth, len(m.health))
	for k, v := range m.health {
		out[k] = *v
	}
	return out
}

// Arrays lists the configured arrays that have an adapter, by name
func (m *Manager) Arrays() []Array {
	health := m.Health()
	out := make([]Array, 0, len(m.names))
	for _, name := range m.names {
		cfg := m.arrays[name].cfg
		out = append(out, Array{
			Name:     name,
			Vendor:   cfg.Vendor,
			Endpoint: cfg.Endpoint,
			Labels:   cfg.Labels,
			Health:   health[name],
		})
	}
	return out
}

// Latest returns the most recent snapshot of every array, by name
func (m *Manager) Latest() []storagedef.Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make([]storagedef.Snapshot, 0, len(m.latest))
	for _, s := range m.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Array < out[j].Array })
	return out
}

// Snapshot returns the most recent snapshot of one array
func (m *Manager) Snapshot(name string) (storagedef.Snapshot, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	s, ok := m.latest[name]
	return s, ok
}

// LastCollectionTime returns the time of the last collection cycle
func (m *Manager) LastCollectionTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRun
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) lookup(name string) (*array, error) {
	a, ok := m.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrArrayNotFound)
	}
	return a, nil
}

// Volumes queries the array directly.
func (m *Manager) Volumes(ctx context.Context, name string) ([]storagedef.Volume, error) {
	a, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.adapter.ListVolumes(ctx, a.cfg)
}

// Pools queries the array directly.
func (m *Manager) Pools(ctx context.Context, name string) ([]storagedef.Pool, error) {
	a, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.adapter.ListPools(ctx, a.cfg)
}

// Nodes queries the array directly.
func (m *Manager) Nodes(ctx context.Context, name string) ([]storagedef.Node, error) {
	a, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.adapter.ListNodes(ctx, a.cfg)
}

// Stats queries the array directly.
func (m *Manager) Stats(ctx context.Context, name string) ([]storagedef.MetricSample, error) {
	a, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.adapter.PerformanceStats(ctx, a.cfg)
}

func exporterName(e storagedef.MetricExporter) string {
	if n, ok := e.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", e)
}

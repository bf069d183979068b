// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporters combines snapshot sinks.
package exporters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/storagebridge/internal/selftelemetry"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// FanoutConfig holds fanout exporter configuration
type FanoutConfig struct {
	// Name of this fanout exporter
	Name string `yaml:"name"`

	// FailFast cancels the remaining exports on the first error
	FailFast bool `yaml:"fail_fast"`

	// MaxParallel limits concurrent exports (0 = unlimited)
	MaxParallel int `yaml:"max_parallel"`
}

// Fanout exports snapshots to multiple destinations in parallel
type Fanout struct {
	name      string
	log       *slog.Logger
	st        *selftelemetry.Metrics
	exporters []storagedef.MetricExporter

	failFast    bool
	maxParallel int

	mu      sync.RWMutex
	running bool
}

// NewFanout creates a new fanout exporter
func NewFanout(
	cfg FanoutConfig,
	exporters []storagedef.MetricExporter,
	log *slog.Logger,
	st *selftelemetry.Metrics,
) *Fanout {
	name := cfg.Name
	if name == "" {
		name = "fanout"
	}
	if log == nil {
		log = slog.Default()
	}

	return &Fanout{
		name:        name,
		log:         log.With("component", "fanout_exporter", "name", name),
		st:          st,
		exporters:   exporters,
		failFast:    cfg.FailFast,
		maxParallel: cfg.MaxParallel,
	}
}

func (f *Fanout) Name() string {
	return f.name
}

// Start starts every child. Children already started are stopped again
// when a later one fails.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}

	f.log.Info("starting fanout exporter", "destinations", len(f.exporters))

	for i, exp := range f.exporters {
		if err := exp.Start(ctx); err != nil {
			for _, started := range f.exporters[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("%s: %w", Name(exp), err)
		}
	}

	f.running = true
	return nil
}

func (f *Fanout) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return nil
	}

	f.log.Info("stopping fanout exporter")

	var errs []error
	for _, exp := range f.exporters {
		if err := exp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", Name(exp), err))
		}
	}

	f.running = false
	return errors.Join(errs...)
}

// Export hands the snapshots to every child and joins their errors.
func (f *Fanout) Export(ctx context.Context, snapshots []storagedef.Snapshot) error {
	f.mu.RLock()
	exporters := f.exporters
	f.mu.RUnlock()

	if len(exporters) == 0 {
		return nil
	}
	if len(exporters) == 1 {
		return f.exportOne(ctx, exporters[0], snapshots)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if f.maxParallel > 0 {
		g.SetLimit(f.maxParallel)
	}
	errs := make([]error, len(exporters))
	for i, exp := range exporters {
		g.Go(func() error {
			if err := f.exportOne(ctx, exp, snapshots); err != nil {
				errs[i] = err
				if f.failFast {
					cancel()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f *Fanout) exportOne(ctx context.Context, exp storagedef.MetricExporter, snapshots []storagedef.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := exp.Export(ctx, snapshots)
	f.st.ObserveExport(Name(exp), time.Since(start), err)
	if err != nil {
		f.log.Warn("export failed", "exporter", Name(exp), "error", err)
		return fmt.Errorf("%s: %w", Name(exp), err)
	}
	return nil
}

// Add adds an exporter to the fanout
func (f *Fanout) Add(exp storagedef.MetricExporter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exporters = append(f.exporters, exp)
}

// Count returns the number of child exporters
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.exporters)
}

// Name returns the exporter's name, or its type when it has none.
func Name(e storagedef.MetricExporter) string {
	if n, ok := e.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", e)
}

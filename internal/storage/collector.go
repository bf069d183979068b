// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// SnapshotSource yields the snapshots served on scrape.
type SnapshotSource interface {
	Latest() []storagedef.Snapshot
}

// Collector exposes the latest snapshots as Prometheus gauges. It is an
// unchecked collector: series appear as arrays report them.
type Collector struct {
	source SnapshotSource
}

// NewCollector creates a collector reading from source.
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{source: source}
}

func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect emits one gauge per flattened metric. Label names are unioned per
// family so arrays with different custom labels share a consistent schema.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	type family struct {
		help    string
		labels  map[string]struct{}
		metrics []storagedef.Metric
	}
	families := make(map[string]*family)
	var order []string
	for _, s := range c.source.Latest() {
		for _, m := range storagedef.SnapshotMetrics(s) {
			f, ok := families[m.Name]
			if !ok {
				f = &family{help: m.Help, labels: make(map[string]struct{})}
				families[m.Name] = f
				order = append(order, m.Name)
			}
			for k := range m.Labels {
				f.labels[k] = struct{}{}
			}
			f.metrics = append(f.metrics, m)
		}
	}

	for _, name := range order {
		f := families[name]
		names := make([]string, 0, len(f.labels))
		for k := range f.labels {
			names = append(names, k)
		}
		sort.Strings(names)
		desc := prometheus.NewDesc(name, f.help, names, nil)

		values := make([]string, len(names))
		for _, m := range f.metrics {
			for i, k := range names {
				values[i] = m.Labels[k]
			}
			metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, m.Value, values...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- metric
		}
	}
}

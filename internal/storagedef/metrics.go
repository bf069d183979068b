// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import (
	"sort"
	"strings"
	"time"
)

// MetricType represents the type of an exported metric
type MetricType string

const (
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeCounter MetricType = "counter"
)

// Metric is one flattened series point derived from a snapshot. Every sink
// (OTLP, remote write, Prometheus scrape) exports the same set.
type Metric struct {
	Name      string
	Help      string
	Type      MetricType
	Labels    map[string]string
	Value     float64
	Timestamp time.Time
}

// MetricPrefix starts every exported series name.
const MetricPrefix = "storage_"

const (
	helpCapacity = "Provisioned capacity in bytes"
	helpUsed     = "Used capacity in bytes"
	helpFree     = "Free capacity in bytes"
)

// SnapshotMetrics flattens a snapshot into gauges. Performance samples are
// named after the sample with the unit as suffix.
func SnapshotMetrics(s Snapshot) []Metric {
	out := make([]Metric, 0, 3*len(s.Volumes)+3*len(s.Pools)+2*len(s.Nodes)+len(s.Stats)+1)
	base := func(extra ...string) map[string]string {
		l := make(map[string]string, len(s.Labels)+2+len(extra)/2)
		for k, v := range s.Labels {
			l[sanitizeLabel(k)] = v
		}
		l["array"] = s.Array
		l["vendor"] = string(s.Vendor)
		for i := 0; i+1 < len(extra); i += 2 {
			l[extra[i]] = extra[i+1]
		}
		return l
	}
	gauge := func(name, help string, v float64, labels map[string]string) {
		out = append(out, Metric{
			Name:      MetricPrefix + name,
			Help:      help,
			Type:      MetricTypeGauge,
			Labels:    labels,
			Value:     v,
			Timestamp: s.CollectedAt,
		})
	}

	up := 1.0
	if len(s.Errors) > 0 {
		up = 0
	}
	gauge("array_up", "Whether every supported operation succeeded in the last collection", up, base())

	for _, v := range s.Volumes {
		l := base("volume", v.Name, "volume_id", v.ID, "pool", v.Pool)
		gauge("volume_capacity_bytes", helpCapacity, float64(v.CapacityBytes), l)
		gauge("volume_used_bytes", helpUsed, float64(v.UsedBytes), l)
		gauge("volume_free_bytes", helpFree, float64(v.FreeBytes), l)
	}
	for _, p := range s.Pools {
		l := base("pool", p.Name, "pool_id", p.ID)
		gauge("pool_capacity_bytes", helpCapacity, float64(p.CapacityBytes), l)
		gauge("pool_used_bytes", helpUsed, float64(p.UsedBytes), l)
		gauge("pool_free_bytes", helpFree, float64(p.FreeBytes), l)
	}
	for _, n := range s.Nodes {
		gauge("node_info", "Controller node inventory", 1,
			base("node", n.Name, "model", n.Model, "serial", n.Serial, "firmware", n.Firmware, "state", n.State))
		gauge("node_uptime_seconds", "Controller node uptime", float64(n.UptimeSeconds), base("node", n.Name))
	}
	for _, m := range s.Stats {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = s.CollectedAt
		}
		out = append(out, Metric{
			Name:      MetricPrefix + statName(m.Name, m.Unit),
			Help:      "Performance sample " + m.Name,
			Type:      MetricTypeGauge,
			Labels:    base("entity_kind", m.EntityKind, "entity", m.Entity),
			Value:     m.Value,
			Timestamp: ts,
		})
	}
	return out
}

// LabelNames returns the label keys of m in sorted order.
func (m Metric) LabelNames() []string {
	names := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// statName appends the unit suffix, folding a trailing "_bytes" in the
// sample name into it.
func statName(name, unit string) string {
	name = sanitizeName(name)
	suffix := unitSuffix(unit)
	if strings.HasPrefix(suffix, "_bytes") {
		name = strings.TrimSuffix(name, "_bytes")
	}
	if strings.HasSuffix(name, suffix) {
		return name
	}
	return name + suffix
}

func unitSuffix(unit string) string {
	switch unit {
	case UnitSeconds:
		return "_seconds"
	case UnitBytes:
		return "_bytes"
	case UnitBytesPerSecond:
		return "_bytes_per_second"
	case UnitOpsPerSecond:
		return "_per_second"
	case UnitRatio:
		return "_ratio"
	}
	return ""
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, s)
}

func sanitizeLabel(s string) string {
	s = strings.ReplaceAll(sanitizeName(s), ":", "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// OTLPConfig configures the OTLP metric sink
type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"`
	Headers     map[string]string `yaml:"headers"`
	Interval    time.Duration     `yaml:"interval"`
	QueueSize   int               `yaml:"queue_size"`
}

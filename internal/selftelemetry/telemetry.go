// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry provides self-monitoring metrics for storagebridge.
package selftelemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all self-telemetry metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	namespace string
	ready     atomic.Bool
	gatherer  prometheus.Gatherer

	Ready prometheus.Gauge

	// Dispatcher metrics
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	Retries        *prometheus.CounterVec
	Pages          *prometheus.CounterVec
	Reauth         *prometheus.CounterVec

	// Session metrics
	Logins *prometheus.CounterVec

	// Collection metrics
	CollectDuration *prometheus.HistogramVec
	CollectErrors   *prometheus.CounterVec

	// Exporter metrics
	ExporterSuccess *prometheus.CounterVec
	ExporterErrors  *prometheus.CounterVec
	ExporterLatency *prometheus.HistogramVec
}

// NewMetrics registers the metrics with reg. A *prometheus.Registry is also
// used as the gatherer for Handler; any other registerer falls back to the
// default gatherer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "storagebridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	m := &Metrics{
		namespace: namespace,
		gatherer:  gatherer,
	}

	m.Ready = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "Whether the first collection pass has completed (1 = ready)",
	})

	m.Requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_requests_total",
		Help:      "Vendor API requests by outcome",
	}, []string{"vendor", "operation", "outcome"})

	m.RequestLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vendor_request_duration_seconds",
		Help:      "Latency of single vendor API attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"vendor", "operation"})

	m.Retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_retries_total",
		Help:      "Retries after transient vendor failures",
	}, []string{"vendor", "operation"})

	m.Pages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_pages_total",
		Help:      "Result pages fetched from vendor APIs",
	}, []string{"vendor", "operation"})

	m.Reauth = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_reauth_total",
		Help:      "Re-authentications triggered by rejected sessions",
	}, []string{"vendor"})

	m.Logins = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_logins_total",
		Help:      "Vendor login attempts by result",
	}, []string{"vendor", "result"})

	m.CollectDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collect_duration_seconds",
		Help:      "Duration of one collection pass per array",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"array", "vendor"})

	m.CollectErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collect_errors_total",
		Help:      "Failed adapter operations during collection",
	}, []string{"array", "operation"})

	m.ExporterSuccess = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_success_total",
		Help:      "Successful snapshot exports",
	}, []string{"exporter"})

	m.ExporterErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_errors_total",
		Help:      "Failed snapshot exports",
	}, []string{"exporter"})

	m.ExporterLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exporter_latency_seconds",
		Help:      "Snapshot export latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"exporter"})

	return m
}

// NewRegistry returns a fresh registry carrying the Go and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Gatherer returns the gatherer backing Handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

// SetReady sets the readiness state
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	m.ready.Store(ready)
	if ready {
		m.Ready.Set(1)
	} else {
		m.Ready.Set(0)
	}
}

// IsReady returns the current readiness state
func (m *Metrics) IsReady() bool {
	return m != nil && m.ready.Load()
}

// Handler serves the Prometheus exposition of the backing registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(vendor, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(vendor, operation, outcome).Inc()
	m.RequestLatency.WithLabelValues(vendor, operation).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(vendor, operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(vendor, operation).Inc()
}

func (m *Metrics) IncPage(vendor, operation string) {
	if m == nil {
		return
	}
	m.Pages.WithLabelValues(vendor, operation).Inc()
}

func (m *Metrics) IncReauth(vendor string) {
	if m == nil {
		return
	}
	m.Reauth.WithLabelValues(vendor).Inc()
}

func (m *Metrics) ObserveLogin(vendor string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Logins.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) ObserveCollect(array, vendor string, d time.Duration, failedOps []string) {
	if m == nil {
		return
	}
	m.CollectDuration.WithLabelValues(array, vendor).Observe(d.Seconds())
	for _, op := range failedOps {
		m.CollectErrors.WithLabelValues(array, op).Inc()
	}
}

func (m *Metrics) ObserveExport(exporter string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExporterLatency.WithLabelValues(exporter).Observe(d.Seconds())
	if err != nil {
		m.ExporterErrors.WithLabelValues(exporter).Inc()
		return
	}
	m.ExporterSuccess.WithLabelValues(exporter).Inc()
}

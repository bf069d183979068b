// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package storagedef provides shared type definitions for storage adapters.
package storagedef

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// HealthStatus represents the health status of an array
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ArrayHealth contains health information for one configured array
type ArrayHealth struct {
	Status       HealthStatus  `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	LastSuccess  time.Time     `json:"last_success"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time"`
}

// VendorType represents the storage vendor
type VendorType string

const (
	VendorDell      VendorType = "dell"
	VendorHPE       VendorType = "hpe"
	VendorPure      VendorType = "pure"
	VendorNetApp    VendorType = "netapp"
	VendorVNX       VendorType = "vnx"
	VendorHitachi   VendorType = "hitachi"
	VendorSolidFire VendorType = "solidfire"
	VendorScaleIO   VendorType = "scaleio"
	VendorXtremIO   VendorType = "xtremio"
	VendorIsilon    VendorType = "isilon"
)

// Adapter is the capability interface every vendor adapter implements.
// Operations a vendor cannot serve return an error matching ErrUnsupported.
type Adapter interface {
	// Vendor returns the vendor this adapter speaks to
	Vendor() VendorType

	// ListVolumes returns every volume of the array
	ListVolumes(ctx context.Context, cfg VendorConfig) ([]Volume, error)

	// ListPools returns every storage pool of the array
	ListPools(ctx context.Context, cfg VendorConfig) ([]Pool, error)

	// ListNodes returns every controller node of the array
	ListNodes(ctx context.Context, cfg VendorConfig) ([]Node, error)

	// PerformanceStats returns the current performance samples of the array
	PerformanceStats(ctx context.Context, cfg VendorConfig) ([]MetricSample, error)
}

// VendorConfig identifies one array and the credentials used to reach it.
// It is passed by value and never mutated by adapters.
type VendorConfig struct {
	Name      string            `yaml:"name"`
	Vendor    VendorType        `yaml:"vendor"`
	Endpoint  string            `yaml:"endpoint"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Token     string            `yaml:"token"`
	Region    string            `yaml:"region"`
	Tenant    string            `yaml:"tenant"`
	VerifySSL bool              `yaml:"verify_ssl"`
	Timeout   time.Duration     `yaml:"timeout"`
	TLS       TLSConfig         `yaml:"tls"`
	Options   map[string]string `yaml:"options"`
	Labels    map[string]string `yaml:"labels"`

	// Scope separates sessions of different APIs served by one endpoint.
	Scope string `yaml:"-"`
}

// Validate reports a ConfigError when the endpoint or credentials are missing.
func (c VendorConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return &ConfigError{Array: c.Name, Field: "endpoint"}
	}
	if c.Vendor == "" {
		return &ConfigError{Array: c.Name, Field: "vendor"}
	}
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return &ConfigError{Array: c.Name, Field: "credentials"}
	}
	return nil
}

// Identity returns the session key for this config: vendor, endpoint and a
// fingerprint of the credentials. Two configs with equal identities share a
// session.
func (c VendorConfig) Identity() string {
	h := sha256.New()
	h.Write([]byte(c.Username))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write([]byte{0})
	h.Write([]byte(c.Token))
	h.Write([]byte{0})
	h.Write([]byte(c.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(c.Scope))
	sum := hex.EncodeToString(h.Sum(nil))
	return string(c.Vendor) + "|" + strings.TrimRight(c.Endpoint, "/") + "|" + sum[:16]
}

// Option returns the named adapter option or def when unset.
func (c VendorConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// URL joins the endpoint and an API path. Absolute URLs are returned as is.
func (c VendorConfig) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := strings.TrimRight(c.Endpoint, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// Config holds the configuration for the collection manager
type Config struct {
	Enabled         bool           `yaml:"enabled"`
	CollectInterval time.Duration  `yaml:"collect_interval"`
	Concurrency     int            `yaml:"concurrency"`
	Arrays          []VendorConfig `yaml:"arrays"`
}

// Snapshot is the outcome of one collection pass over one array.
type Snapshot struct {
	Array       string            `json:"array"`
	Vendor      VendorType        `json:"vendor"`
	Labels      map[string]string `json:"labels,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
	Duration    time.Duration     `json:"duration"`
	Volumes     []Volume          `json:"volumes"`
	Pools       []Pool            `json:"pools"`
	Nodes       []Node            `json:"nodes"`
	Stats       []MetricSample    `json:"stats"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// MetricExporter is the interface for snapshot sinks
type MetricExporter interface {
	// Start starts the exporter
	Start(ctx context.Context) error

	// Stop stops the exporter
	Stop(ctx context.Context) error

	// Export sends snapshots to the export destination
	Export(ctx context.Context, snapshots []Snapshot) error
}

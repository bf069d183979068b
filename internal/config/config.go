// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the storagebridge YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/exporters"
	"github.com/platformbuilds/storagebridge/internal/exporters/remotewrite"
	"github.com/platformbuilds/storagebridge/internal/logging"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
	"github.com/platformbuilds/storagebridge/internal/tracing"
)

type Config struct {
	Log       logging.Config `yaml:"log"`
	Server    Server         `yaml:"server"`
	Telemetry struct {
		Namespace string `yaml:"prometheus_namespace"`
	} `yaml:"telemetry"`
	Tracing  tracing.Config    `yaml:"tracing"`
	Dispatch dispatch.Config   `yaml:"dispatch"`
	Session  session.Options   `yaml:"session"`
	Storage  storagedef.Config `yaml:"storage"`
	Exports  Exports           `yaml:"exports"`
	Watch    WatcherConfig     `yaml:"watch"`
}

type Server struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Exports struct {
	Fanout      exporters.FanoutConfig `yaml:"fanout"`
	OTLP        storagedef.OTLPConfig  `yaml:"otlp"`
	RemoteWrite remotewrite.Config     `yaml:"remote_write"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	var c Config
	c.Log = logging.Config{Level: "info", Format: "text"}
	c.Server = Server{Listen: ":19090", ShutdownTimeout: 10 * time.Second}
	c.Telemetry.Namespace = "storagebridge"
	c.Tracing = tracing.Config{Exporter: tracing.ExporterGRPC, SampleRatio: 1}
	c.Dispatch = dispatch.DefaultConfig()
	c.Session = session.DefaultOptions()
	c.Storage = storagedef.Config{Enabled: true, CollectInterval: time.Minute, Concurrency: 4}
	c.Exports.OTLP = storagedef.OTLPConfig{Protocol: "grpc", Interval: 10 * time.Second, QueueSize: 64}
	c.Exports.RemoteWrite = remotewrite.DefaultConfig()
	c.Watch = DefaultWatcherConfig()
	c.Watch.Enabled = false
	return c
}

// Load reads path, expands ${VAR} references from the environment and
// decodes it over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Watch.Path = path
	return c, nil
}

// Parse decodes YAML bytes the same way Load does.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	for i := range c.Storage.Arrays {
		if c.Storage.Arrays[i].Timeout == 0 {
			c.Storage.Arrays[i].Timeout = c.Dispatch.RequestTimeout
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. A bare $ is kept.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// Validate checks every array and sink setting that would otherwise fail
// at runtime.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Storage.Arrays))
	for i, a := range c.Storage.Arrays {
		if a.Name == "" {
			return &storagedef.ConfigError{Field: fmt.Sprintf("storage.arrays[%d].name", i)}
		}
		if seen[a.Name] {
			return &storagedef.ConfigError{Array: a.Name, Field: "name", Reason: "duplicate array name"}
		}
		seen[a.Name] = true
		if err := a.Validate(); err != nil {
			return err
		}
	}
	if c.Storage.CollectInterval <= 0 {
		return &storagedef.ConfigError{Field: "storage.collect_interval", Reason: "must be positive"}
	}
	if c.Exports.OTLP.Enabled && c.Exports.OTLP.Endpoint == "" {
		return &storagedef.ConfigError{Field: "exports.otlp.endpoint"}
	}
	switch c.Exports.OTLP.Protocol {
	case "", "grpc", "http":
	default:
		return &storagedef.ConfigError{Field: "exports.otlp.protocol", Reason: "must be grpc or http"}
	}
	if c.Exports.RemoteWrite.Enabled && c.Exports.RemoteWrite.Endpoint == "" {
		return &storagedef.ConfigError{Field: "exports.remote_write.endpoint"}
	}
	switch c.Exports.RemoteWrite.Compression {
	case "", "snappy", "gzip", "none":
	default:
		return &storagedef.ConfigError{Field: "exports.remote_write.compression", Reason: "must be snappy, gzip or none"}
	}
	if c.Log.OTLP.Enabled && c.Log.OTLP.Endpoint == "" {
		return &storagedef.ConfigError{Field: "log.otlp.endpoint"}
	}
	switch c.Log.OTLP.Protocol {
	case "", "grpc", "http":
	default:
		return &storagedef.ConfigError{Field: "log.otlp.protocol", Reason: "must be grpc or http"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &storagedef.ConfigError{Field: "log.level", Reason: err.Error()}
	}
	return nil
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package adaptertest provides fixtures for vendor adapter tests.
package adaptertest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storage/adapter"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Deps returns adapter dependencies with a fast retry policy. Sessions are
// closed when the test ends.
func Deps(t testing.TB) adapter.Deps {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(session.DefaultOptions(), log)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	cfg := dispatch.DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return adapter.Deps{
		Sessions:   sessions,
		Dispatcher: dispatch.New(cfg, log, nil),
		Log:        log,
	}
}

// Server is a fake vendor endpoint that counts requests per route.
type Server struct {
	*httptest.Server
	Mux *http.ServeMux

	mu     sync.Mutex
	counts map[string]int
	last   map[string]*http.Request
}

// NewServer starts a server closed when the test ends. Routes are added
// to Mux with method patterns such as "GET /api/volumes".
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Mux:    http.NewServeMux(),
		counts: make(map[string]int),
		last:   make(map[string]*http.Request),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.counts[key]++
		s.last[key] = r.Clone(context.Background())
		s.mu.Unlock()
		s.Mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// Count returns how many requests reached "METHOD /path".
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// Last returns the most recent request to "METHOD /path".
func (s *Server) Last(key string) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[key]
}

// Config returns an array config pointing at the server.
func (s *Server) Config(vendor storagedef.VendorType) storagedef.VendorConfig {
	return storagedef.VendorConfig{
		Name:     "array-1",
		Vendor:   vendor,
		Endpoint: s.URL,
		Username: "admin",
		Password: "secret",
		Timeout:  5 * time.Second,
		Options:  map[string]string{},
	}
}

// Reply writes body with the given content type and status.
func Reply(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package api serves the inventory and health of the configured arrays over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/platformbuilds/storagebridge/internal/storage"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Inventory is the view of the storage manager the handlers need.
type Inventory interface {
	Arrays() []storage.Array
	Snapshot(name string) (storagedef.Snapshot, bool)
	LastCollectionTime() time.Time
	Volumes(ctx context.Context, name string) ([]storagedef.Volume, error)
	Pools(ctx context.Context, name string) ([]storagedef.Pool, error)
	Nodes(ctx context.Context, name string) ([]storagedef.Node, error)
	Stats(ctx context.Context, name string) ([]storagedef.MetricSample, error)
}

// Readiness reports whether the first collection pass has completed.
type Readiness interface {
	IsReady() bool
}

// Handler holds all API handler state.
type Handler struct {
	inv     Inventory
	ready   Readiness
	metrics http.Handler
	log     *slog.Logger
}

// NewHandler creates a new API handler. metrics may be nil, in which case
// /metrics is not mounted.
func NewHandler(inv Inventory, ready Readiness, metrics http.Handler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		inv:     inv,
		ready:   ready,
		metrics: metrics,
		log:     log.With("component", "api"),
	}
}

// NewRouter returns a chi router with the common middleware stack and all
// routes mounted.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLog)
	r.Use(chimw.Recoverer)
	h.Routes(r)
	return r
}

// Routes mounts the health, metrics and inventory routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/arrays", h.ListArrays)
		r.Route("/arrays/{name}", func(r chi.Router) {
			r.Get("/", h.GetArray)
			r.Get("/volumes", h.ListVolumes)
			r.Get("/pools", h.ListPools)
			r.Get("/nodes", h.ListNodes)
			r.Get("/stats", h.ListStats)
		})
	})
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/platformbuilds/storagebridge/internal/storage"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    http.StatusText(status),
			"code":    status,
		},
	})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports 200 once the first collection pass has completed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil || !h.ready.IsReady() {
		Error(w, http.StatusServiceUnavailable, "first collection pending")
		return
	}
	body := map[string]any{"status": "ready"}
	if t := h.inv.LastCollectionTime(); !t.IsZero() {
		body["last_collection"] = t.UTC().Format(time.RFC3339)
	}
	JSON(w, http.StatusOK, body)
}

// ListArrays returns every configured array with its health.
func (h *Handler) ListArrays(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"arrays": h.inv.Arrays()})
}

// GetArray returns the last collected snapshot of one array.
func (h *Handler) GetArray(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, ok := h.inv.Snapshot(name)
	if !ok {
		if !h.known(name) {
			Error(w, http.StatusNotFound, "array "+name+" not found")
			return
		}
		Error(w, http.StatusServiceUnavailable, "array "+name+" not collected yet")
		return
	}
	JSON(w, http.StatusOK, snap)
}

// ListVolumes queries the array's volumes live.
func (h *Handler) ListVolumes(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	vols, err := h.inv.Volumes(r.Context(), name)
	h.respond(w, name, "volumes", vols, err)
}

// ListPools queries the array's pools live.
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pools, err := h.inv.Pools(r.Context(), name)
	h.respond(w, name, "pools", pools, err)
}

// ListNodes queries the array's nodes live.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	nodes, err := h.inv.Nodes(r.Context(), name)
	h.respond(w, name, "nodes", nodes, err)
}

// ListStats queries the array's performance counters live.
func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := h.inv.Stats(r.Context(), name)
	h.respond(w, name, "stats", stats, err)
}

func (h *Handler) respond(w http.ResponseWriter, name, key string, v any, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
			h.log.Warn("live query failed", "array", name, "query", key, "error", err)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"array": name, key: v})
}

func (h *Handler) known(name string) bool {
	for _, a := range h.inv.Arrays() {
		if a.Name == name {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	var (
		cfgErr  *storagedef.ConfigError
		dispErr *storagedef.DispatchError
	)
	switch {
	case errors.Is(err, storage.ErrArrayNotFound):
		return http.StatusNotFound
	case errors.Is(err, storagedef.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.As(err, &dispErr) && dispErr.TimedOut():
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

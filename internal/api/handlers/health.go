// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"time"

	"github.com/autobrr/nzbwatch/internal/buildinfo"
)

type HealthHandler struct {
	started time.Time
	ready   func() bool
}

// NewHealthHandler creates a health handler. ready may be nil.
func NewHealthHandler(ready func() bool) *HealthHandler {
	return &HealthHandler{
		started: time.Now(),
		ready:   ready,
	}
}

// HandleHealth godoc
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  time.Since(h.started).Truncate(time.Second).String(),
	})
}

func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		RespondError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

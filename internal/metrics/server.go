// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type MetricsServer struct {
	server  *http.Server
	metrics *IndexerMetrics
}

func NewMetricsServer(m *IndexerMetrics, host string, port int) *MetricsServer {
	return &MetricsServer{
		metrics: m,
		server: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           m.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler serves the metrics registry in the Prometheus exposition format.
func (m *IndexerMetrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	handler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	r.Get("/metrics", handler.ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

func (s *MetricsServer) ListenAndServe() error {
	log.Info().Msgf("Starting metrics server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

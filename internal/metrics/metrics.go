// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search outcomes
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeFault   = "fault"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// IndexerMetrics contains Prometheus metrics for the newznab indexer clients.
// All methods are safe to call on a nil receiver.
type IndexerMetrics struct {
	registry *prometheus.Registry

	SearchDuration   *prometheus.HistogramVec
	SearchTotal      *prometheus.CounterVec
	SearchResults    *prometheus.CounterVec
	IncompleteItems  *prometheus.CounterVec
	FaultsTotal      *prometheus.CounterVec
	RefreshTotal     *prometheus.CounterVec
	CachedItems      *prometheus.GaugeVec
	CacheLastUpdated *prometheus.GaugeVec
}

// NewIndexerMetrics creates the indexer metrics on a dedicated registry that
// also carries the go and process collectors.
func NewIndexerMetrics() *IndexerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &IndexerMetrics{
		registry: reg,
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nzbwatch_search_duration_seconds",
			Help:    "Time spent on a single indexer search including fetch and parse",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		SearchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbwatch_search_total",
			Help: "Total number of indexer searches by outcome",
		}, []string{"provider", "outcome"}),
		SearchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbwatch_search_results_total",
			Help: "Total number of results returned by indexer searches",
		}, []string{"provider"}),
		IncompleteItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbwatch_incomplete_items_total",
			Help: "Total number of feed items dropped for a missing title or link",
		}, []string{"provider"}),
		FaultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbwatch_indexer_faults_total",
			Help: "Total number of indexer reported faults by kind",
		}, []string{"provider", "kind"}),
		RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbwatch_cache_refresh_total",
			Help: "Total number of recent cache refresh attempts by outcome",
		}, []string{"provider", "outcome"}),
		CachedItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nzbwatch_cache_items",
			Help: "Number of items held in the recent cache",
		}, []string{"provider"}),
		CacheLastUpdated: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nzbwatch_cache_last_update_timestamp_seconds",
			Help: "Unix time of the last successful recent cache refresh",
		}, []string{"provider"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *IndexerMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *IndexerMetrics) ObserveSearch(provider, outcome string, results int, took time.Duration) {
	if m == nil {
		return
	}
	m.SearchDuration.WithLabelValues(provider).Observe(took.Seconds())
	m.SearchTotal.WithLabelValues(provider, outcome).Inc()
	if results > 0 {
		m.SearchResults.WithLabelValues(provider).Add(float64(results))
	}
}

func (m *IndexerMetrics) ObserveIncomplete(provider string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.IncompleteItems.WithLabelValues(provider).Add(float64(count))
}

func (m *IndexerMetrics) ObserveFault(provider, kind string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(provider, kind).Inc()
}

// ObserveRefresh records a cache refresh attempt. items and updated are only
// applied when the refresh stored a new result set.
func (m *IndexerMetrics) ObserveRefresh(provider, outcome string, items int, updated time.Time) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(provider, outcome).Inc()
	if outcome == OutcomeOK {
		m.CachedItems.WithLabelValues(provider).Set(float64(items))
		m.CacheLastUpdated.WithLabelValues(provider).Set(float64(updated.Unix()))
	}
}

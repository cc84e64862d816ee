// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nzbwatch/internal/metrics"
)

// DefaultMinPollInterval is the shortest time between two recent item polls
// of the same indexer.
const DefaultMinPollInterval = 15 * time.Minute

// CacheState is the persisted recent item set of one provider.
type CacheState struct {
	Provider    string    `json:"provider"`
	LastUpdate  time.Time `json:"lastUpdate"`
	Items       []Result  `json:"items"`
	Fingerprint uint64    `json:"-"`
}

// CacheStateStore persists CacheState between restarts.
type CacheStateStore interface {
	// LoadCacheState returns nil with a nil error when nothing is stored.
	LoadCacheState(ctx context.Context, provider string) (*CacheState, error)
	SaveCacheState(ctx context.Context, state *CacheState) error
}

// CacheOptions configures a RecentCache.
type CacheOptions struct {
	MinPollInterval time.Duration
	Store           CacheStateStore
	Metrics         *metrics.IndexerMetrics
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// RecentCache keeps the latest recent items of one provider and refuses to
// poll the indexer more often than MinPollInterval.
type RecentCache struct {
	// provider is swapped in place when the configuration is reloaded.
	provider    atomic.Pointer[Provider]
	store       CacheStateStore
	metrics     *metrics.IndexerMetrics
	minInterval time.Duration
	now         func() time.Time

	// refreshMu serialises refreshes, including the fetch, so overlapping
	// callers inside the gate window never fetch twice.
	refreshMu sync.Mutex

	stateMu sync.RWMutex
	state   CacheState
}

// NewRecentCache creates an empty cache for provider.
func NewRecentCache(provider *Provider, opts CacheOptions) *RecentCache {
	c := &RecentCache{
		store:       opts.Store,
		metrics:     opts.Metrics,
		minInterval: opts.MinPollInterval,
		now:         opts.Now,
		state:       CacheState{Provider: provider.ID()},
	}
	c.provider.Store(provider)
	if c.minInterval <= 0 {
		c.minInterval = DefaultMinPollInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *RecentCache) Provider() *Provider { return c.provider.Load() }

// setProvider replaces the provider of a cache whose id survived a reload.
func (c *RecentCache) setProvider(provider *Provider) {
	c.provider.Store(provider)
}

// MinPollInterval returns the configured gate interval.
func (c *RecentCache) MinPollInterval() time.Duration { return c.minInterval }

// Load seeds the cache from the store. A stored state older than the
// current one is ignored.
func (c *RecentCache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	provider := c.Provider()
	stored, err := c.store.LoadCacheState(ctx, provider.ID())
	if err != nil {
		return fmt.Errorf("load recent cache for %s: %w", provider.Name(), err)
	}
	if stored == nil {
		return nil
	}

	c.stateMu.Lock()
	if !c.state.LastUpdate.IsZero() && !stored.LastUpdate.After(c.state.LastUpdate) {
		c.stateMu.Unlock()
		return nil
	}
	c.state = CacheState{
		Provider:    provider.ID(),
		LastUpdate:  stored.LastUpdate,
		Items:       stored.Items,
		Fingerprint: fingerprintResults(stored.Items),
	}
	c.stateMu.Unlock()

	log.Debug().
		Str("provider", provider.Name()).
		Int("items", len(stored.Items)).
		Time("lastUpdate", stored.LastUpdate).
		Msg("[NEWZNAB] Loaded recent cache")

	return nil
}

// LastUpdate returns the time of the last successful refresh, zero if never.
func (c *RecentCache) LastUpdate() time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.LastUpdate
}

// RecentItems returns a copy of the last successfully cached items.
func (c *RecentCache) RecentItems() []Result {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if len(c.state.Items) == 0 {
		return nil
	}
	items := make([]Result, len(c.state.Items))
	copy(items, c.state.Items)
	return items
}

// State returns a snapshot of the cache.
func (c *RecentCache) State() CacheState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	state := c.state
	if len(state.Items) > 0 {
		state.Items = append([]Result(nil), state.Items...)
	}
	return state
}

// ShouldUpdate reports whether the gate interval has elapsed.
func (c *RecentCache) ShouldUpdate() bool {
	last := c.LastUpdate()
	return last.IsZero() || c.now().Sub(last) >= c.minInterval
}

// Refresh polls the indexer for recent items unless the last successful
// refresh is younger than the poll interval. Only a known indexer fault is
// returned; transport and parse failures leave the cache untouched so the
// next call retries.
func (c *RecentCache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if !c.ShouldUpdate() {
		log.Trace().
			Str("provider", c.Provider().Name()).
			Time("lastUpdate", c.LastUpdate()).
			Msg("[NEWZNAB] Recent cache is fresh, skipping poll")
		return nil
	}

	return c.refresh(ctx)
}

// ForceRefresh polls the indexer regardless of the poll interval.
func (c *RecentCache) ForceRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	return c.refresh(ctx)
}

func (c *RecentCache) refresh(ctx context.Context) error {
	provider := c.Provider()
	name := provider.Name()

	if !provider.Enabled() {
		c.metrics.ObserveRefresh(name, metrics.OutcomeSkipped, 0, time.Time{})
		return nil
	}

	recentURL := provider.recentURL()
	log.Debug().
		Str("provider", name).
		Str("url", redactAPIKey(recentURL)).
		Msg("[NEWZNAB] Updating recent cache")

	data, err := provider.fetcher.Fetch(ctx, recentURL)
	if err != nil || len(data) == 0 {
		log.Warn().
			Err(err).
			Str("provider", name).
			Msg("[NEWZNAB] No data returned for recent cache")
		c.metrics.ObserveRefresh(name, metrics.OutcomeFailed, 0, time.Time{})
		return nil
	}

	ok, fault, err := CheckAuth(name, data)
	if err != nil {
		log.Warn().
			Str("provider", name).
			Str("code", fault.Code).
			Str("kind", fault.Kind.String()).
			Msg("[NEWZNAB] Indexer rejected recent cache request")
		c.metrics.ObserveFault(name, fault.Kind.String())
		c.metrics.ObserveRefresh(name, metrics.OutcomeFault, 0, time.Time{})
		return err
	}
	if !ok {
		log.Error().
			Str("provider", name).
			Str("code", fault.Code).
			Str("description", fault.Description).
			Msg("[NEWZNAB] Unknown error given from provider")
		c.metrics.ObserveFault(name, fault.Kind.String())
		c.metrics.ObserveRefresh(name, metrics.OutcomeFailed, 0, time.Time{})
		return nil
	}

	feed, err := ParseFeed(name, data)
	if err != nil {
		log.Error().
			Err(err).
			Str("provider", name).
			Msg("[NEWZNAB] Error trying to load provider RSS feed for recent cache")
		log.Debug().Str("provider", name).Bytes("data", data).Msg("[NEWZNAB] Raw response")
		c.metrics.ObserveRefresh(name, metrics.OutcomeFailed, 0, time.Time{})
		return nil
	}

	for _, item := range feed.Incomplete {
		log.Error().
			Str("provider", name).
			Int("index", item.Index).
			Str("title", item.Title).
			Str("link", item.Link).
			Msg("[NEWZNAB] The XML returned from the provider is incomplete, this result is unusable")
	}
	c.metrics.ObserveIncomplete(name, len(feed.Incomplete))

	next := CacheState{
		Provider:    provider.ID(),
		LastUpdate:  c.now(),
		Items:       feed.Results,
		Fingerprint: fingerprintResults(feed.Results),
	}

	c.stateMu.Lock()
	if next.LastUpdate.Before(c.state.LastUpdate) {
		next.LastUpdate = c.state.LastUpdate
	}
	changed := next.Fingerprint != c.state.Fingerprint
	c.state = next
	c.stateMu.Unlock()

	log.Debug().
		Str("provider", name).
		Int("items", len(next.Items)).
		Bool("changed", changed).
		Str("fingerprint", fmt.Sprintf("%016x", next.Fingerprint)).
		Msg("[NEWZNAB] Recent cache updated")

	c.metrics.ObserveRefresh(name, metrics.OutcomeOK, len(next.Items), next.LastUpdate)

	if c.store != nil {
		if err := c.store.SaveCacheState(ctx, &next); err != nil {
			log.Error().
				Err(err).
				Str("provider", name).
				Msg("[NEWZNAB] Failed to persist recent cache")
		}
	}

	return nil
}

// fingerprintResults hashes titles and links in order.
func fingerprintResults(results []Result) uint64 {
	if len(results) == 0 {
		return 0
	}
	h := xxhash.New()
	for _, r := range results {
		_, _ = h.WriteString(r.Title)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(r.Link)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

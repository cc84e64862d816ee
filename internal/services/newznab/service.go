// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/nzbwatch/internal/metrics"
)

const defaultMaxConcurrentSearches = 4

// ServiceOptions configures a Service and every provider it builds.
type ServiceOptions struct {
	RetentionDays   int
	MinPollInterval time.Duration
	MaxConcurrent   int

	Fetcher Fetcher
	Store   CacheStateStore
	Metrics *metrics.IndexerMetrics
	Generic GenericSearcher
	Wanter  EpisodeWanter
	Quality QualityResolver
	Now     func() time.Time
}

// ProviderFault reports a provider that rejected a search.
type ProviderFault struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// SearchResponse aggregates a search across providers. Results keep provider
// order, then feed order.
type SearchResponse struct {
	Results []Result        `json:"results"`
	Faults  []ProviderFault `json:"faults,omitempty"`
}

// EpisodeResponse aggregates FindEpisode across providers.
type EpisodeResponse struct {
	Results []EpisodeResult `json:"results"`
	Faults  []ProviderFault `json:"faults,omitempty"`
}

// Service owns every configured provider and its recent cache.
type Service struct {
	opts ServiceOptions

	mu        sync.RWMutex
	providers []*Provider
	caches    map[string]*RecentCache
}

// NewService builds providers and caches from configs.
func NewService(configs []ProviderConfig, opts ServiceOptions) (*Service, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrentSearches
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(defaultFetchTimeout)
	}

	s := &Service{opts: opts}
	if _, err := s.reload(configs); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the provider set. A provider that keeps its id keeps its
// cache, so an in-flight refresh and the poll gate carry over. Caches of new
// providers are loaded from the store.
func (s *Service) Reload(ctx context.Context, configs []ProviderConfig) error {
	added, err := s.reload(configs)
	if err != nil {
		return err
	}

	for _, cache := range added {
		if err := cache.Load(ctx); err != nil {
			log.Warn().Err(err).Str("provider", cache.Provider().Name()).Msg("[NEWZNAB] Failed to load recent cache")
		}
	}
	return nil
}

func (s *Service) reload(configs []ProviderConfig) ([]*RecentCache, error) {
	providers := make([]*Provider, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))

	for _, cfg := range configs {
		provider := NewProvider(cfg, Options{
			RetentionDays: s.opts.RetentionDays,
			Fetcher:       s.opts.Fetcher,
			Generic:       s.opts.Generic,
			Wanter:        s.opts.Wanter,
			Quality:       s.opts.Quality,
			Metrics:       s.opts.Metrics,
		})

		id := provider.ID()
		if id == "" {
			return nil, fmt.Errorf("provider %q has an empty id", cfg.Name)
		}
		if _, exists := seen[id]; exists {
			return nil, fmt.Errorf("duplicate provider %q", cfg.Name)
		}
		seen[id] = struct{}{}
		providers = append(providers, provider)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []*RecentCache
	caches := make(map[string]*RecentCache, len(providers))
	for _, provider := range providers {
		if cache, ok := s.caches[provider.ID()]; ok {
			cache.setProvider(provider)
			caches[provider.ID()] = cache
			continue
		}

		cache := NewRecentCache(provider, CacheOptions{
			MinPollInterval: s.opts.MinPollInterval,
			Store:           s.opts.Store,
			Metrics:         s.opts.Metrics,
			Now:             s.opts.Now,
		})
		caches[provider.ID()] = cache
		added = append(added, cache)
	}
	s.providers = providers
	s.caches = caches

	log.Debug().Int("providers", len(providers)).Int("added", len(added)).Msg("[NEWZNAB] Providers loaded")
	return added, nil
}

// LoadCaches seeds every cache from the store.
func (s *Service) LoadCaches(ctx context.Context) error {
	for _, cache := range s.Caches() {
		if err := cache.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Providers returns the providers in configuration order.
func (s *Service) Providers() []*Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Provider(nil), s.providers...)
}

// Provider looks up a provider by id.
func (s *Service) Provider(id string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cache, ok := s.caches[id]
	if !ok {
		return nil, false
	}
	return cache.Provider(), true
}

// Cache looks up the recent cache of a provider by id.
func (s *Service) Cache(id string) (*RecentCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cache, ok := s.caches[id]
	return cache, ok
}

// Caches returns the caches in provider order.
func (s *Service) Caches() []*RecentCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caches := make([]*RecentCache, 0, len(s.providers))
	for _, p := range s.providers {
		caches = append(caches, s.caches[p.ID()])
	}
	return caches
}

func (s *Service) enabledProviders() []*Provider {
	providers := s.Providers()
	enabled := providers[:0]
	for _, p := range providers {
		if p.Enabled() {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// Search runs params against every enabled provider concurrently. A fault
// on one provider is reported in the response and never aborts the others.
func (s *Service) Search(ctx context.Context, params map[string]string) (*SearchResponse, error) {
	providers := s.enabledProviders()
	perProvider := make([][]Result, len(providers))
	faults := make([]*ProviderFault, len(providers))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrent)

	for i, provider := range providers {
		g.Go(func() error {
			results, err := provider.Search(ctx, params)
			if err != nil {
				faults[i] = newProviderFault(provider.Name(), err)
				return nil
			}
			perProvider[i] = results
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &SearchResponse{Results: []Result{}}
	for i := range providers {
		resp.Results = append(resp.Results, perProvider[i]...)
		if faults[i] != nil {
			resp.Faults = append(resp.Faults, *faults[i])
		}
	}
	return resp, nil
}

// SearchGeneral runs a free text search across providers.
func (s *Service) SearchGeneral(ctx context.Context, text string) (*SearchResponse, error) {
	return s.Search(ctx, GeneralSearchParams(text))
}

// SearchEpisode runs a season or episode search across providers.
func (s *Service) SearchEpisode(ctx context.Context, show *Show, season string, episode int) (*SearchResponse, error) {
	return s.Search(ctx, SeasonSearchParams(show, season, episode))
}

// FindEpisode runs FindEpisode on every enabled provider.
func (s *Service) FindEpisode(ctx context.Context, episode Episode, manual bool) (*EpisodeResponse, error) {
	providers := s.enabledProviders()
	perProvider := make([][]EpisodeResult, len(providers))
	faults := make([]*ProviderFault, len(providers))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrent)

	for i, provider := range providers {
		g.Go(func() error {
			results, err := provider.FindEpisode(ctx, episode, manual)
			if err != nil {
				faults[i] = newProviderFault(provider.Name(), err)
				return nil
			}
			perProvider[i] = results
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &EpisodeResponse{Results: []EpisodeResult{}}
	for i := range providers {
		resp.Results = append(resp.Results, perProvider[i]...)
		if faults[i] != nil {
			resp.Faults = append(resp.Faults, *faults[i])
		}
	}
	return resp, nil
}

// RefreshAll refreshes every enabled provider's cache concurrently and
// returns the faults keyed by provider id.
func (s *Service) RefreshAll(ctx context.Context) map[string]error {
	caches := s.Caches()

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	g.SetLimit(s.opts.MaxConcurrent)

	for _, cache := range caches {
		if !cache.Provider().Enabled() {
			continue
		}
		g.Go(func() error {
			if err := cache.Refresh(ctx); err != nil {
				mu.Lock()
				failed[cache.Provider().ID()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

func newProviderFault(provider string, err error) *ProviderFault {
	fault := &ProviderFault{Provider: provider, Kind: FaultUnknown.String(), Message: err.Error()}
	if indexerFault, ok := AsIndexerFault(err); ok {
		fault.Kind = indexerFault.Fault.Kind.String()
		fault.Code = indexerFault.Fault.Code
	}
	return fault
}

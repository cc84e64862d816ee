// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/nzbwatch/internal/metrics"
)

// DefaultRetentionDays is used when no usenet retention is configured.
const DefaultRetentionDays = 500

// ProviderConfig describes a single newznab indexer.
type ProviderConfig struct {
	Name            string `json:"name" yaml:"name"`
	URL             string `json:"url" yaml:"url"`
	APIKey          string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	SupportsBacklog bool   `json:"supportsBacklog" yaml:"supportsBacklog"`
}

// ID returns a stable identifier derived from the provider name.
func (c ProviderConfig) ID() string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(strings.TrimSpace(c.Name)))
}

// ConfigString serialises the provider as name|url|apikey|enabled.
func (c ProviderConfig) ConfigString() string {
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	return fmt.Sprintf("%s|%s|%s|%d", c.Name, c.URL, c.APIKey, enabled)
}

// ParseProviderConfig parses a name|url|apikey|enabled line. The api key may
// be empty and enabled must be 0 or 1.
func ParseProviderConfig(line string) (ProviderConfig, error) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) != 4 {
		return ProviderConfig{}, fmt.Errorf("provider config %q: expected 4 fields, got %d", line, len(parts))
	}

	cfg := ProviderConfig{
		Name:            strings.TrimSpace(parts[0]),
		URL:             strings.TrimSpace(parts[1]),
		APIKey:          strings.TrimSpace(parts[2]),
		SupportsBacklog: true,
	}
	if cfg.Name == "" {
		return ProviderConfig{}, fmt.Errorf("provider config %q: name is required", line)
	}
	if cfg.URL == "" {
		return ProviderConfig{}, fmt.Errorf("provider config %q: url is required", line)
	}

	switch strings.TrimSpace(parts[3]) {
	case "1":
		cfg.Enabled = true
	case "0":
		cfg.Enabled = false
	default:
		return ProviderConfig{}, fmt.Errorf("provider config %q: enabled flag must be 0 or 1", line)
	}

	return cfg, nil
}

// Episode identifies the episode a caller is looking for.
type Episode struct {
	Show    *Show  `json:"show"`
	Season  string `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
}

func (e Episode) String() string {
	name := ""
	if e.Show != nil {
		name = e.Show.Name
	}
	if e.Episode > 0 {
		return fmt.Sprintf("%s %sx%02d", name, e.Season, e.Episode)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", name, e.Season))
}

// EpisodeResult is an accepted candidate for a wanted episode.
type EpisodeResult struct {
	Episode  Episode `json:"episode"`
	Quality  Quality `json:"quality"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Provider string  `json:"provider"`
	Result   Result  `json:"result"`
}

// EpisodeWanter decides whether an episode is wanted at a given quality.
type EpisodeWanter interface {
	WantEpisode(show *Show, season string, episode int, quality Quality, manual bool) bool
}

// EpisodeWanterFunc adapts a function to the EpisodeWanter interface.
type EpisodeWanterFunc func(show *Show, season string, episode int, quality Quality, manual bool) bool

func (f EpisodeWanterFunc) WantEpisode(show *Show, season string, episode int, quality Quality, manual bool) bool {
	return f(show, season, episode, quality, manual)
}

// WantAll accepts every candidate.
var WantAll EpisodeWanter = EpisodeWanterFunc(func(*Show, string, int, Quality, bool) bool { return true })

// GenericSearcher is the provider independent search path consulted before
// the indexer specific season/episode search.
type GenericSearcher interface {
	FindEpisode(ctx context.Context, provider *Provider, episode Episode, manual bool) ([]EpisodeResult, error)
}

// GenericSearcherFunc adapts a function to the GenericSearcher interface.
type GenericSearcherFunc func(ctx context.Context, provider *Provider, episode Episode, manual bool) ([]EpisodeResult, error)

func (f GenericSearcherFunc) FindEpisode(ctx context.Context, provider *Provider, episode Episode, manual bool) ([]EpisodeResult, error) {
	return f(ctx, provider, episode, manual)
}

// NoGenericSearch never finds anything, so manual searches always fall
// through to the indexer.
var NoGenericSearch GenericSearcher = GenericSearcherFunc(func(context.Context, *Provider, Episode, bool) ([]EpisodeResult, error) {
	return nil, nil
})

// Options configures a Provider.
type Options struct {
	RetentionDays int
	Fetcher       Fetcher
	Generic       GenericSearcher
	Wanter        EpisodeWanter
	Quality       QualityResolver
	Metrics       *metrics.IndexerMetrics
}

// Provider is a client for a single newznab indexer.
type Provider struct {
	cfg       ProviderConfig
	retention int
	fetcher   Fetcher
	generic   GenericSearcher
	wanter    EpisodeWanter
	quality   QualityResolver
	metrics   *metrics.IndexerMetrics
}

// NewProvider creates a provider. Missing collaborators fall back to the
// package defaults.
func NewProvider(cfg ProviderConfig, opts Options) *Provider {
	p := &Provider{
		cfg:       cfg,
		retention: opts.RetentionDays,
		fetcher:   opts.Fetcher,
		generic:   opts.Generic,
		wanter:    opts.Wanter,
		quality:   opts.Quality,
		metrics:   opts.Metrics,
	}

	if p.retention <= 0 {
		p.retention = DefaultRetentionDays
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(defaultFetchTimeout)
	}
	if p.generic == nil {
		p.generic = NoGenericSearch
	}
	if p.wanter == nil {
		p.wanter = WantAll
	}
	if p.quality == nil {
		p.quality = ParseQuality
	}

	return p
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) ID() string { return p.cfg.ID() }

func (p *Provider) Enabled() bool { return p.cfg.Enabled }

// Config returns a copy of the provider configuration.
func (p *Provider) Config() ProviderConfig { return p.cfg }

func (p *Provider) ConfigString() string { return p.cfg.ConfigString() }

func (p *Provider) RetentionDays() int { return p.retention }

func (p *Provider) searchURL(params map[string]string) string {
	return buildURL(p.cfg.URL, SearchParams(p.retention, params), p.cfg.APIKey)
}

func (p *Provider) recentURL() string {
	return buildURL(p.cfg.URL, RecentParams(p.retention), p.cfg.APIKey)
}

// Search runs a tvsearch with params merged over the base parameters. Only
// known indexer faults are returned as errors; every other failure is logged
// and yields no results. The enabled flag is honoured by Service, not here.
func (p *Provider) Search(ctx context.Context, params map[string]string) ([]Result, error) {
	start := time.Now()
	searchURL := p.searchURL(params)

	log.Debug().
		Str("provider", p.cfg.Name).
		Str("url", redactAPIKey(searchURL)).
		Msg("[NEWZNAB] Search url")

	data, err := p.fetcher.Fetch(ctx, searchURL)
	if err != nil || len(data) == 0 {
		log.Warn().
			Err(err).
			Str("provider", p.cfg.Name).
			Msg("[NEWZNAB] No data returned from provider")
		p.metrics.ObserveSearch(p.cfg.Name, metrics.OutcomeFailed, 0, time.Since(start))
		return nil, nil
	}

	feed, err := ParseFeed(p.cfg.Name, data)
	if err != nil {
		return nil, p.handleFeedError(err, data, start)
	}

	for _, item := range feed.Incomplete {
		log.Error().
			Str("provider", p.cfg.Name).
			Int("index", item.Index).
			Str("title", item.Title).
			Str("link", item.Link).
			Msg("[NEWZNAB] The XML returned from the provider is incomplete, this result is unusable")
	}
	p.metrics.ObserveIncomplete(p.cfg.Name, len(feed.Incomplete))

	outcome := metrics.OutcomeOK
	if len(feed.Results) == 0 {
		outcome = metrics.OutcomeEmpty
	}
	p.metrics.ObserveSearch(p.cfg.Name, outcome, len(feed.Results), time.Since(start))

	log.Debug().
		Str("provider", p.cfg.Name).
		Int("results", len(feed.Results)).
		Dur("took", time.Since(start)).
		Msg("[NEWZNAB] Search complete")

	return feed.Results, nil
}

// handleFeedError logs a ParseFeed failure and returns the error only when it
// must reach the caller.
func (p *Provider) handleFeedError(err error, data []byte, start time.Time) error {
	took := time.Since(start)

	if fault, ok := AsIndexerFault(err); ok {
		log.Warn().
			Str("provider", p.cfg.Name).
			Str("code", fault.Fault.Code).
			Str("kind", fault.Fault.Kind.String()).
			Msg("[NEWZNAB] Indexer rejected request")
		p.metrics.ObserveFault(p.cfg.Name, fault.Fault.Kind.String())
		p.metrics.ObserveSearch(p.cfg.Name, metrics.OutcomeFault, 0, took)
		return fault
	}

	var unknown *unknownFaultError
	switch {
	case errors.As(err, &unknown):
		log.Error().
			Str("provider", p.cfg.Name).
			Str("code", unknown.fault.Code).
			Str("description", unknown.fault.Description).
			Msg("[NEWZNAB] Unknown error given from provider")
		p.metrics.ObserveFault(p.cfg.Name, unknown.fault.Kind.String())
	case errors.Is(err, ErrNotRSS):
		log.Error().
			Err(err).
			Str("provider", p.cfg.Name).
			Msg("[NEWZNAB] Resulting XML from provider isn't RSS, not parsing it")
		log.Debug().Str("provider", p.cfg.Name).Bytes("data", data).Msg("[NEWZNAB] Raw response")
	default:
		log.Error().
			Err(err).
			Str("provider", p.cfg.Name).
			Msg("[NEWZNAB] Error trying to load provider RSS feed")
		log.Debug().Str("provider", p.cfg.Name).Bytes("data", data).Msg("[NEWZNAB] Raw response")
	}

	p.metrics.ObserveSearch(p.cfg.Name, metrics.OutcomeFailed, 0, took)
	return nil
}

// SearchGeneral runs a free text search.
func (p *Provider) SearchGeneral(ctx context.Context, text string) ([]Result, error) {
	return p.Search(ctx, GeneralSearchParams(text))
}

// SearchEpisode runs a season or episode search for show.
func (p *Provider) SearchEpisode(ctx context.Context, show *Show, season string, episode int) ([]Result, error) {
	return p.Search(ctx, SeasonSearchParams(show, season, episode))
}

// FindEpisode defers to the generic search path first. The indexer's own
// season/episode search only runs for manual searches that found nothing.
func (p *Provider) FindEpisode(ctx context.Context, episode Episode, manual bool) ([]EpisodeResult, error) {
	results, err := p.generic.FindEpisode(ctx, p, episode, manual)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 || !manual {
		return results, nil
	}

	candidates, err := p.SearchEpisode(ctx, episode.Show, episode.Season, episode.Episode)
	if err != nil {
		return nil, err
	}

	accepted := make([]EpisodeResult, 0, len(candidates))
	for _, candidate := range candidates {
		quality := p.quality(candidate.Title)

		if !p.wanter.WantEpisode(episode.Show, episode.Season, episode.Episode, quality, manual) {
			log.Info().
				Str("provider", p.cfg.Name).
				Str("episode", episode.String()).
				Str("quality", quality.String()).
				Str("title", candidate.Title).
				Msg("[NEWZNAB] Episode isn't wanted at this quality, skipping")
			continue
		}

		log.Debug().
			Str("provider", p.cfg.Name).
			Str("title", candidate.Title).
			Str("quality", quality.String()).
			Msg("[NEWZNAB] Found result")

		accepted = append(accepted, EpisodeResult{
			Episode:  episode,
			Quality:  quality,
			Title:    candidate.Title,
			URL:      candidate.Link,
			Provider: p.cfg.Name,
			Result:   candidate,
		})
	}

	return accepted, nil
}

// FindPropers is disabled for newznab providers and never returns results.
func (p *Provider) FindPropers(ctx context.Context, since time.Time) ([]Result, error) {
	return nil, nil
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nzbwatch/internal/services/newznab"
)

// ProviderSummary describes a configured indexer without its api key.
type ProviderSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Enabled         bool      `json:"enabled"`
	SupportsBacklog bool      `json:"supportsBacklog"`
	RetentionDays   int       `json:"retentionDays"`
	LastUpdate      time.Time `json:"lastUpdate,omitzero"`
	CachedItems     int       `json:"cachedItems"`
	ShouldUpdate    bool      `json:"shouldUpdate"`
}

// RecentResponse is the cached recent item set of a provider.
type RecentResponse struct {
	Provider   string           `json:"provider"`
	LastUpdate time.Time        `json:"lastUpdate,omitzero"`
	Items      []newznab.Result `json:"items"`
}

// FindEpisodeRequest is the body of POST /api/episodes/find.
type FindEpisodeRequest struct {
	Show    newznab.Show `json:"show"`
	Season  string       `json:"season"`
	Episode int          `json:"episode"`
	Manual  bool         `json:"manual"`
}

// NewznabHandler exposes searches and recent caches of every provider.
type NewznabHandler struct {
	service *newznab.Service
}

func NewNewznabHandler(service *newznab.Service) *NewznabHandler {
	return &NewznabHandler{service: service}
}

// Routes registers the newznab routes
func (h *NewznabHandler) Routes(r chi.Router) {
	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.ListProviders)
		r.Get("/{providerID}/recent", h.GetRecent)
		r.Post("/{providerID}/refresh", h.RefreshRecent)
	})

	r.Get("/search", h.Search)
	r.Get("/search/episode", h.SearchEpisode)
	r.Post("/episodes/find", h.FindEpisode)
}

// ListProviders godoc
// @Summary List configured newznab providers
// @Tags newznab
// @Produce json
// @Success 200 {array} ProviderSummary
// @Router /api/providers [get]
func (h *NewznabHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.service.Providers()
	summaries := make([]ProviderSummary, 0, len(providers))

	for _, p := range providers {
		cfg := p.Config()
		summary := ProviderSummary{
			ID:              p.ID(),
			Name:            p.Name(),
			URL:             cfg.URL,
			Enabled:         p.Enabled(),
			SupportsBacklog: cfg.SupportsBacklog,
			RetentionDays:   p.RetentionDays(),
		}
		if cache, ok := h.service.Cache(p.ID()); ok {
			state := cache.State()
			summary.LastUpdate = state.LastUpdate
			summary.CachedItems = len(state.Items)
			summary.ShouldUpdate = cache.ShouldUpdate()
		}
		summaries = append(summaries, summary)
	}

	RespondJSON(w, http.StatusOK, summaries)
}

// GetRecent godoc
// @Summary Get the cached recent items of a provider
// @Tags newznab
// @Produce json
// @Param providerID path string true "Provider ID"
// @Param q query string false "Fuzzy title filter"
// @Success 200 {object} RecentResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/providers/{providerID}/recent [get]
func (h *NewznabHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	cache, ok := h.service.Cache(chi.URLParam(r, "providerID"))
	if !ok {
		RespondError(w, http.StatusNotFound, "provider not found")
		return
	}

	state := cache.State()
	items := newznab.MatchResults(state.Items, r.URL.Query().Get("q"))
	if items == nil {
		items = []newznab.Result{}
	}

	RespondJSON(w, http.StatusOK, RecentResponse{
		Provider:   cache.Provider().Name(),
		LastUpdate: state.LastUpdate,
		Items:      items,
	})
}

// RefreshRecent godoc
// @Summary Poll a provider for recent items
// @Description Respects the minimum poll interval unless force=true.
// @Tags newznab
// @Produce json
// @Param providerID path string true "Provider ID"
// @Param force query bool false "Ignore the poll interval"
// @Success 200 {object} RecentResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/providers/{providerID}/refresh [post]
func (h *NewznabHandler) RefreshRecent(w http.ResponseWriter, r *http.Request) {
	cache, ok := h.service.Cache(chi.URLParam(r, "providerID"))
	if !ok {
		RespondError(w, http.StatusNotFound, "provider not found")
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	var err error
	if force {
		err = cache.ForceRefresh(r.Context())
	} else {
		err = cache.Refresh(r.Context())
	}
	if err != nil {
		h.respondSearchError(w, cache.Provider().Name(), err)
		return
	}

	h.GetRecent(w, r)
}

// Search godoc
// @Summary Free text search across enabled providers
// @Tags newznab
// @Produce json
// @Param q query string true "Search text"
// @Success 200 {object} newznab.SearchResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/search [get]
func (h *NewznabHandler) Search(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		RespondError(w, http.StatusBadRequest, "q is required")
		return
	}

	resp, err := h.service.SearchGeneral(r.Context(), text)
	if err != nil {
		h.respondSearchError(w, "", err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

// SearchEpisode godoc
// @Summary Season or episode search across enabled providers
// @Tags newznab
// @Produce json
// @Param rid query int false "TVRage ID"
// @Param name query string false "Show name"
// @Param airByDate query bool false "Show is indexed by air date"
// @Param season query string false "Season number or air date bucket"
// @Param ep query int false "Episode number or day of month"
// @Success 200 {object} newznab.SearchResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/search/episode [get]
func (h *NewznabHandler) SearchEpisode(w http.ResponseWriter, r *http.Request) {
	show, season, episode, err := parseEpisodeQuery(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.SearchEpisode(r.Context(), show, season, episode)
	if err != nil {
		h.respondSearchError(w, "", err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

// FindEpisode godoc
// @Summary Find wanted candidates for an episode
// @Tags newznab
// @Accept json
// @Produce json
// @Param request body FindEpisodeRequest true "Episode"
// @Success 200 {object} newznab.EpisodeResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/episodes/find [post]
func (h *NewznabHandler) FindEpisode(w http.ResponseWriter, r *http.Request) {
	var req FindEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode find episode request")
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Show.TVRageID <= 0 && strings.TrimSpace(req.Show.Name) == "" {
		RespondError(w, http.StatusBadRequest, "show.tvrageId or show.name is required")
		return
	}

	show := req.Show
	resp, err := h.service.FindEpisode(r.Context(), newznab.Episode{
		Show:    &show,
		Season:  req.Season,
		Episode: req.Episode,
	}, req.Manual)
	if err != nil {
		h.respondSearchError(w, "", err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

func (h *NewznabHandler) respondSearchError(w http.ResponseWriter, provider string, err error) {
	if fault, ok := newznab.AsIndexerFault(err); ok {
		RespondError(w, http.StatusUnauthorized, fault.Error())
		return
	}

	log.Error().Err(err).Str("provider", provider).Msg("[NEWZNAB] Request failed")
	RespondError(w, http.StatusBadGateway, "indexer request failed")
}

func parseEpisodeQuery(r *http.Request) (*newznab.Show, string, int, error) {
	q := r.URL.Query()

	show := &newznab.Show{Name: strings.TrimSpace(q.Get("name"))}

	if raw := q.Get("rid"); raw != "" {
		rid, err := strconv.Atoi(raw)
		if err != nil || rid < 0 {
			return nil, "", 0, errInvalidParam("rid")
		}
		show.TVRageID = rid
	}
	if show.TVRageID == 0 && show.Name == "" {
		return nil, "", 0, errRequiredParam("rid or name")
	}

	if raw := q.Get("airByDate"); raw != "" {
		airByDate, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, "", 0, errInvalidParam("airByDate")
		}
		show.AirByDate = airByDate
	}

	episode := 0
	if raw := q.Get("ep"); raw != "" {
		ep, err := strconv.Atoi(raw)
		if err != nil || ep < 0 {
			return nil, "", 0, errInvalidParam("ep")
		}
		episode = ep
	}

	return show, strings.TrimSpace(q.Get("season")), episode, nil
}

type paramError string

func (e paramError) Error() string { return string(e) }

func errInvalidParam(name string) error { return paramError(name + " is invalid") }

func errRequiredParam(name string) error { return paramError(name + " is required") }

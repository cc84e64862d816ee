// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	searchTypeTV = "tvsearch"
	maxResults   = 100

	// Some indexers read the category list positionally, so the two call
	// sites keep the order they were first shipped with.
	searchCategories = "5030,5040"
	recentCategories = "5040,5030"
)

// Torznab/newznab TV categories
const (
	CategoryTV   = 5000
	CategoryTVSD = 5030
	CategoryTVHD = 5040
)

// paramOrder is the emitted order for well-known keys; anything else is
// sorted after these and apikey always comes last.
var paramOrder = []string{"t", "maxage", "age", "limit", "cat", "rid", "season", "ep", "q"}

// Show identifies a series on the indexer side.
type Show struct {
	Name      string `json:"name"`
	TVRageID  int    `json:"tvrageId"`
	AirByDate bool   `json:"airByDate"`
}

// SeasonSearchParams builds the parameters for a season or episode search.
// An empty season means "whole show"; episode is ignored without a season.
// For air-by-date shows the season is a date bucket like "2010-03".
func SeasonSearchParams(show *Show, season string, episode int) map[string]string {
	params := map[string]string{}
	if show == nil {
		return params
	}

	params["rid"] = strconv.Itoa(show.TVRageID)

	if season != "" {
		if show.AirByDate {
			// newznab has no date search: season=2010&q=2010.03
			year, _, _ := strings.Cut(season, "-")
			params["season"] = year
			params["q"] = strings.ReplaceAll(season, "-", ".")
		} else {
			params["season"] = season
		}

		if episode > 0 {
			params["ep"] = strconv.Itoa(episode)
		}
	}

	return params
}

// GeneralSearchParams wraps free text into a search parameter set.
func GeneralSearchParams(text string) map[string]string {
	return map[string]string{"q": text}
}

// SearchParams returns the base on-demand search parameters with params
// applied on top.
func SearchParams(retentionDays int, params map[string]string) map[string]string {
	merged := map[string]string{
		"t":      searchTypeTV,
		"maxage": strconv.Itoa(retentionDays),
		"limit":  strconv.Itoa(maxResults),
		"cat":    searchCategories,
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// RecentParams returns the parameters used to poll for recent items.
func RecentParams(retentionDays int) map[string]string {
	return map[string]string{
		"t":   searchTypeTV,
		"age": strconv.Itoa(retentionDays),
		"cat": recentCategories,
	}
}

// buildURL appends the encoded parameters and optional api key to the
// indexer endpoint.
func buildURL(baseURL string, params map[string]string, apiKey string) string {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + "api?" + encodeParams(params, apiKey)
}

func encodeParams(params map[string]string, apiKey string) string {
	keys := make([]string, 0, len(params))
	seen := make(map[string]struct{}, len(params))
	for _, k := range paramOrder {
		if _, ok := params[k]; ok {
			keys = append(keys, k)
			seen[k] = struct{}{}
		}
	}

	var rest []string
	for k := range params {
		if _, ok := seen[k]; ok || k == "apikey" {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	if apiKey == "" {
		if v, ok := params["apikey"]; ok {
			apiKey = v
		}
	}

	var sb strings.Builder
	for _, k := range keys {
		writeParam(&sb, k, params[k])
	}
	if apiKey != "" {
		writeParam(&sb, "apikey", apiKey)
	}
	return sb.String()
}

func writeParam(sb *strings.Builder, key, value string) {
	if sb.Len() > 0 {
		sb.WriteByte('&')
	}
	sb.WriteString(url.QueryEscape(key))
	sb.WriteByte('=')
	// category lists are sent with literal commas
	sb.WriteString(strings.ReplaceAll(url.QueryEscape(value), "%2C", ","))
}

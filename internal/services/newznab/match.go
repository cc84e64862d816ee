// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

var titleSeparators = strings.NewReplacer(".", " ", "_", " ", "-", " ")

// MatchResults returns the results whose title fuzzily contains query, closest
// matches first and feed order among equals. An empty query returns results
// unchanged.
func MatchResults(results []Result, query string) []Result {
	query = normalizeTitle(query)
	if query == "" {
		return results
	}

	type rankedResult struct {
		result Result
		rank   int
	}

	ranked := make([]rankedResult, 0, len(results))
	for _, r := range results {
		title := normalizeTitle(r.Title)
		if !fuzzy.MatchNormalizedFold(query, title) {
			continue
		}
		ranked = append(ranked, rankedResult{result: r, rank: fuzzy.RankMatchNormalizedFold(query, title)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].rank < ranked[j].rank
	})

	matched := make([]Result, len(ranked))
	for i, r := range ranked {
		matched[i] = r.result
	}
	return matched
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(titleSeparators.Replace(title)), " ")
}

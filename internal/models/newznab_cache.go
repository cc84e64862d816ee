// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nzbwatch/internal/dbinterface"
	"github.com/autobrr/nzbwatch/internal/services/newznab"
)

// Stored items are zstd compressed JSON; the checksum covers the JSON.
var (
	itemsEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	itemsDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// NewznabCacheSummary describes a persisted recent cache without its items.
type NewznabCacheSummary struct {
	Provider   string    `json:"provider"`
	LastUpdate time.Time `json:"lastUpdate"`
	ItemCount  int       `json:"itemCount"`
	Checksum   string    `json:"checksum"`
}

// NewznabCacheStore persists the recent item cache of every provider.
type NewznabCacheStore struct {
	db dbinterface.Querier
}

// NewNewznabCacheStore constructs a new recent cache store.
func NewNewznabCacheStore(db dbinterface.Querier) *NewznabCacheStore {
	return &NewznabCacheStore{db: db}
}

// LoadCacheState returns the stored state for provider, or nil when nothing
// is stored or the stored items fail their checksum.
func (s *NewznabCacheStore) LoadCacheState(ctx context.Context, provider string) (*newznab.CacheState, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, fmt.Errorf("provider cannot be empty")
	}

	const query = `
		SELECT c.last_update, c.items_zst, c.items_checksum
		FROM newznab_recent_cache c
		JOIN string_pool sp ON sp.id = c.provider_id
		WHERE sp.value = ?
	`

	var (
		lastUpdateRaw sql.NullString
		compressed    []byte
		checksum      string
	)

	err := s.db.QueryRowContext(ctx, query, provider).Scan(&lastUpdateRaw, &compressed, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch newznab recent cache: %w", err)
	}

	itemsJSON, err := itemsDecoder.DecodeAll(compressed, nil)
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("newznab recent cache is corrupt, ignoring stored items")
		return nil, nil
	}

	if itemsChecksum(itemsJSON) != checksum {
		log.Warn().Str("provider", provider).Msg("newznab recent cache checksum mismatch, ignoring stored items")
		return nil, nil
	}

	var items []newznab.Result
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return nil, fmt.Errorf("decode newznab recent cache items: %w", err)
	}

	state := &newznab.CacheState{
		Provider: provider,
		Items:    items,
	}
	if ts := parseCacheTimestamp(lastUpdateRaw); ts != nil {
		state.LastUpdate = *ts
	}

	return state, nil
}

// SaveCacheState inserts or replaces the stored state of a provider.
func (s *NewznabCacheStore) SaveCacheState(ctx context.Context, state *newznab.CacheState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	if strings.TrimSpace(state.Provider) == "" {
		return fmt.Errorf("provider cannot be empty")
	}

	items := state.Items
	if items == nil {
		items = []newznab.Result{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode newznab recent cache items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin newznab recent cache tx: %w", err)
	}
	defer tx.Rollback()

	providerID, err := dbinterface.InternString(ctx, tx, state.Provider)
	if err != nil {
		return fmt.Errorf("intern provider: %w", err)
	}

	const query = `
		INSERT INTO newznab_recent_cache (provider_id, last_update, item_count, items_zst, items_checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_id) DO UPDATE SET
			last_update = excluded.last_update,
			item_count = excluded.item_count,
			items_zst = excluded.items_zst,
			items_checksum = excluded.items_checksum,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := tx.ExecContext(ctx, query,
		providerID,
		state.LastUpdate.UTC().Format(time.RFC3339Nano),
		len(items),
		itemsEncoder.EncodeAll(itemsJSON, nil),
		itemsChecksum(itemsJSON),
	); err != nil {
		return fmt.Errorf("store newznab recent cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit newznab recent cache: %w", err)
	}
	return nil
}

// Delete removes the stored state of a provider.
func (s *NewznabCacheStore) Delete(ctx context.Context, provider string) error {
	const query = `
		DELETE FROM newznab_recent_cache
		WHERE provider_id = (SELECT id FROM string_pool WHERE value = ?)
	`
	if _, err := s.db.ExecContext(ctx, query, provider); err != nil {
		return fmt.Errorf("delete newznab recent cache: %w", err)
	}
	return nil
}

// List returns a summary of every stored cache ordered by provider.
func (s *NewznabCacheStore) List(ctx context.Context) ([]NewznabCacheSummary, error) {
	const query = `
		SELECT provider_id, last_update, item_count, items_checksum
		FROM newznab_recent_cache
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list newznab recent cache: %w", err)
	}
	defer rows.Close()

	var (
		summaries []NewznabCacheSummary
		ids       []int64
	)
	for rows.Next() {
		var (
			providerID    int64
			lastUpdateRaw sql.NullString
			summary       NewznabCacheSummary
		)
		if err := rows.Scan(&providerID, &lastUpdateRaw, &summary.ItemCount, &summary.Checksum); err != nil {
			return nil, fmt.Errorf("scan newznab recent cache row: %w", err)
		}
		if ts := parseCacheTimestamp(lastUpdateRaw); ts != nil {
			summary.LastUpdate = *ts
		}
		ids = append(ids, providerID)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate newznab recent cache rows: %w", err)
	}
	rows.Close()

	names, err := dbinterface.GetStrings(ctx, s.db, ids...)
	if err != nil {
		return nil, fmt.Errorf("resolve provider names: %w", err)
	}
	for i := range summaries {
		summaries[i].Provider = names[i]
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Provider < summaries[j].Provider
	})
	return summaries, nil
}

func itemsChecksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

var cacheTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func parseCacheTimestamp(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	raw := strings.TrimSpace(value.String)
	if raw == "" {
		return nil
	}
	for _, layout := range cacheTimestampLayouts {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		t := parsed.UTC()
		return &t
	}
	log.Debug().Str("timestamp", raw).Msg("newznab recent cache: unrecognized timestamp format")
	return nil
}

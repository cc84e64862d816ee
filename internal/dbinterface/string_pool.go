// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InternString stores value in string_pool if missing and returns its ID.
// Empty values are rejected.
func InternString(ctx context.Context, tx TxQuerier, value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("cannot intern empty string")
	}

	// INSERT OR IGNORE + SELECT is cheaper than RETURNING on the unique index
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO string_pool (value) VALUES (?)", value); err != nil {
		return 0, fmt.Errorf("failed to intern string: %w", err)
	}

	id, err := GetStringID(ctx, tx, value)
	if err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, fmt.Errorf("failed to get ID for interned string %q", value)
	}
	return id.Int64, nil
}

// GetStringID looks up the ID of value without creating it.
func GetStringID(ctx context.Context, tx TxQuerier, value string) (sql.NullInt64, error) {
	if value == "" {
		return sql.NullInt64{}, nil
	}

	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM string_pool WHERE value = ?", value).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.NullInt64{}, nil
		}
		return sql.NullInt64{}, fmt.Errorf("failed to get string ID from pool: %w", err)
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// GetStrings resolves IDs back to their values, keeping input order.
func GetStrings(ctx context.Context, tx TxQuerier, ids ...int64) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	positions := make(map[int64][]int, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if _, seen := positions[id]; !seen {
			args = append(args, id)
		}
		positions[id] = append(positions[id], i)
	}

	query := "SELECT id, value FROM string_pool WHERE id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(args)), ",") + ")"
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query string pool: %w", err)
	}
	defer rows.Close()

	results := make([]string, len(ids))
	for rows.Next() {
		var (
			id    int64
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("failed to scan string pool row: %w", err)
		}
		for _, idx := range positions[id] {
			results[idx] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating string pool rows: %w", err)
	}

	return results, nil
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPath_Memory(t *testing.T) {
	db, err := OpenPath(context.Background(), MemoryDSN)
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('string_pool', 'newznab_recent_cache')`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nzbwatch.db"), db.Path())

	_, err = db.Exec(`INSERT INTO string_pool (value) VALUES ('idx')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer reopened.Close()

	var value string
	require.NoError(t, reopened.QueryRow(`SELECT value FROM string_pool`).Scan(&value))
	assert.Equal(t, "idx", value)
}

func TestOpen_RequiresDataDir(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

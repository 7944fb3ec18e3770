// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "p.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestMigrate_AppliesPendingOnce(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "m.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	calls := 0
	migrations := []Migration{
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
			calls++
			_, err := tx.ExecContext(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)")
			return err
		}},
		{Version: 2, Apply: func(ctx context.Context, tx *sql.Tx) error {
			calls++
			_, err := tx.ExecContext(ctx, "ALTER TABLE t ADD COLUMN v TEXT")
			return err
		}},
	}
	require.NoError(t, Migrate(ctx, db, migrations))
	require.NoError(t, Migrate(ctx, db, migrations))
	assert.Equal(t, 2, calls)

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 2, version)
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "v.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	problems, err := VerifyIntegrity(context.Background(), db, "quick")
	require.NoError(t, err)
	assert.Nil(t, problems)
}

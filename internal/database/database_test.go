package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
)

func TestRunMigrationsCreatesSchema(t *testing.T) {
	db := dbtest.New(t)

	for _, table := range []string{"settings", "cache_groups", "cache_entries", "sync_queue",
		"pending_blobs", "photo_metadata", "local_records", "sync_logs"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	version, dirty, err := db.MigrationVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Running again is a no-op
	require.NoError(t, db.RunMigrations())
}

func TestWithTransaction(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	insert := func(tx *sql.Tx, key string) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO settings (id, key, value, created_at, updated_at) VALUES (?, ?, 'v', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)",
			"set-"+key, key)
		return err
	}

	t.Run("commit", func(t *testing.T) {
		err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
			return insert(tx, "committed")
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM settings WHERE key = 'committed'").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
			require.NoError(t, insert(tx, "rolled-back"))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM settings WHERE key = 'rolled-back'").Scan(&count))
		assert.Equal(t, 0, count)
	})
}

func TestWithTransactionNotInitialized(t *testing.T) {
	var db *database.DB
	err := db.WithTransaction(context.Background(), func(*sql.Tx) error { return nil })
	assert.ErrorIs(t, err, database.ErrNotInitialized)
}

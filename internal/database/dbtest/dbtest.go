// Package dbtest opens throwaway migrated SQLite databases for tests
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// New returns a migrated database in t's temp dir, closed on cleanup
func New(t testing.TB) *database.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		BusyTimeout:     5000,
		ForeignKeys:     true,
		ConnMaxLife:     time.Minute,
		QueryTimeout:    5 * time.Second,
	}

	db, err := database.Open(cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations())
	return db
}

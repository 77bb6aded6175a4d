package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tildaslashalef/anchorsync/internal/config"
)

func TestBuildSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", buildSQLiteDSN(&config.DatabaseConfig{Path: ":memory:"}))

	dsn := buildSQLiteDSN(&config.DatabaseConfig{
		Path:            "/tmp/anchorsync.db",
		BusyTimeout:     5000,
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		CacheSize:       -16000,
		ForeignKeys:     true,
	})

	assert.Contains(t, dsn, "file:/tmp/anchorsync.db?")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_foreign_keys=true")
	assert.Contains(t, dsn, "_cache_size=-16000")
}

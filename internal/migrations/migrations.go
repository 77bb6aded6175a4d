// Package migrations embeds the agent's SQL schema migrations
package migrations

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql
var migrationsFS embed.FS

// GetSource creates a migrate source driver over the embedded sql directory
func GetSource() (source.Driver, error) {
	migrationFS, err := fs.Sub(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}

	src, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	return src, nil
}


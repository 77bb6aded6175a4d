package config

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

// Setting keys persisted in the settings table
const (
	KeyDeviceName         = "sync.device_name"
	KeyServerToken        = "sync.server_token"
	KeyLastDrainAt        = "sync.last_drain_at"
	KeyActiveCacheVersion = "cache.active_version"
)

// Settings represents a persistent setting in the database
type Settings struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SettingsRepository defines operations for managing settings in the database
type SettingsRepository interface {
	// GetSetting retrieves a setting by key; a missing key yields ""
	GetSetting(ctx context.Context, key string) (string, error)

	// GetSettings retrieves multiple settings by prefix
	GetSettings(ctx context.Context, prefix string) (map[string]string, error)

	// SetSetting inserts or updates a setting value
	SetSetting(ctx context.Context, key, value string) error

	// DeleteSetting deletes a setting
	DeleteSetting(ctx context.Context, key string) error
}

// SQLSettingsRepository implements SettingsRepository using a SQL database
type SQLSettingsRepository struct {
	db     Querier
	logger *loggy.Logger
}

// NewSQLSettingsRepository creates a new SQL settings repository
func NewSQLSettingsRepository(db Querier, logger *loggy.Logger) SettingsRepository {
	return &SQLSettingsRepository{
		db:     db,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (r *SQLSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	q := squirrel.Select("value").
		From("settings").
		Where(squirrel.Eq{"key": key}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	if key == KeyServerToken && value != "" {
		return deobfuscateToken(value)
	}

	return value, nil
}

// GetSettings retrieves multiple settings by prefix
func (r *SQLSettingsRepository) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	q := squirrel.Select("key", "value").
		From("settings").
		Where(squirrel.Like{"key": prefix + "%"}).
		OrderBy("key")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get settings query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get settings query: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}

		if key == KeyServerToken && value != "" {
			value, err = deobfuscateToken(value)
			if err != nil {
				r.logger.Warn("Failed to deobfuscate token", "error", err)
				continue
			}
		}

		settings[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating setting rows: %w", err)
	}

	return settings, nil
}

// SetSetting upserts a setting value
func (r *SQLSettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	storeValue := value
	if key == KeyServerToken && value != "" {
		storeValue = obfuscateToken(value)
	}

	now := time.Now().UTC()
	q := squirrel.Insert("settings").
		Columns("id", "key", "value", "created_at", "updated_at").
		Values(ulid.SettingID(), key, storeValue, now, now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building upsert setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing upsert setting query: %w", err)
	}

	return nil
}

// DeleteSetting deletes a setting
func (r *SQLSettingsRepository) DeleteSetting(ctx context.Context, key string) error {
	q := squirrel.Delete("settings").
		Where(squirrel.Eq{"key": key})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete setting query: %w", err)
	}

	return nil
}

// LoadPersistedSettings overlays persisted sync settings onto cfg. Values
// from the environment win over the database.
func LoadPersistedSettings(ctx context.Context, cfg *Config, repo SettingsRepository) error {
	settings, err := repo.GetSettings(ctx, "sync.")
	if err != nil {
		return fmt.Errorf("loading sync settings: %w", err)
	}

	if token := settings[KeyServerToken]; token != "" && cfg.Server.Token == "" {
		cfg.Server.Token = token
	}

	if name := settings[KeyDeviceName]; name != "" && cfg.Server.DeviceName == "" {
		cfg.Server.DeviceName = name
	}

	return nil
}

// Token obfuscation keeps the token out of casual sight in the db file. It
// is not encryption.

func obfuscateToken(token string) string {
	return "OBFS:" + base64.StdEncoding.EncodeToString([]byte(reverse(token)))
}

func deobfuscateToken(obfuscated string) (string, error) {
	encoded, ok := strings.CutPrefix(obfuscated, "OBFS:")
	if !ok {
		return obfuscated, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated token: %w", err)
	}

	return reverse(string(decoded)), nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

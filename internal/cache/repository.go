package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Repository persists cache groups and their entries
type Repository interface {
	// CreateGroup creates a group if it does not exist
	CreateGroup(ctx context.Context, name string) error

	// ListGroups returns every stored group name
	ListGroups(ctx context.Context) ([]string, error)

	// DeleteGroup removes a group and all of its entries
	DeleteGroup(ctx context.Context, name string) error

	// Put stores entry, replacing any entry with the same group and key
	Put(ctx context.Context, entry *Entry) error

	// Get returns the entry for key in group
	Get(ctx context.Context, group, key string) (*Entry, error)

	// CountEntries returns the number of entries per group
	CountEntries(ctx context.Context) (map[string]int, error)
}

// SQLRepository implements Repository on cache_groups and cache_entries
type SQLRepository struct {
	db     database.Querier
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db database.Querier, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// CreateGroup creates a group if it does not exist
func (r *SQLRepository) CreateGroup(ctx context.Context, name string) error {
	q := squirrel.Insert("cache_groups").
		Options("OR IGNORE").
		Columns("name", "created_at").
		Values(name, time.Now().UTC())

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create cache group query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create cache group query: %w", err)
	}
	return nil
}

// ListGroups returns every stored group name
func (r *SQLRepository) ListGroups(ctx context.Context) ([]string, error) {
	query, args, err := squirrel.Select("name").From("cache_groups").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list cache groups query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list cache groups query: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning cache group row: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache group rows: %w", err)
	}
	return names, nil
}

// DeleteGroup removes a group. Entries go with it through the cascade, and
// are deleted explicitly too for connections without foreign keys.
func (r *SQLRepository) DeleteGroup(ctx context.Context, name string) error {
	for _, q := range []squirrel.DeleteBuilder{
		squirrel.Delete("cache_entries").Where(squirrel.Eq{"group_name": name}),
		squirrel.Delete("cache_groups").Where(squirrel.Eq{"name": name}),
	} {
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building delete cache group query: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing delete cache group query: %w", err)
		}
	}
	return nil
}

// Put stores entry, creating its group when needed
func (r *SQLRepository) Put(ctx context.Context, entry *Entry) error {
	if err := r.CreateGroup(ctx, entry.Group); err != nil {
		return err
	}

	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encoding cache entry header: %w", err)
	}

	q := squirrel.Insert("cache_entries").
		Options("OR REPLACE").
		Columns("group_name", "request_key", "url", "status", "header", "body", "stored_at").
		Values(entry.Group, entry.Key, entry.URL, entry.Status, string(header), entry.Body, entry.StoredAt.UTC())

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building put cache entry query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing put cache entry query: %w", err)
	}
	return nil
}

// Get returns the entry for key in group
func (r *SQLRepository) Get(ctx context.Context, group, key string) (*Entry, error) {
	q := squirrel.Select("group_name", "request_key", "url", "status", "header", "body", "stored_at").
		From("cache_entries").
		Where(squirrel.Eq{"group_name": group, "request_key": key})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get cache entry query: %w", err)
	}

	var entry Entry
	var header string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&entry.Group,
		&entry.Key,
		&entry.URL,
		&entry.Status,
		&header,
		&entry.Body,
		&entry.StoredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executing get cache entry query: %w", err)
	}

	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		r.logger.Warn("Discarding unreadable cached headers", "key", key, "error", err)
		entry.Header = make(map[string][]string)
	}
	return &entry, nil
}

// CountEntries returns the number of entries per group
func (r *SQLRepository) CountEntries(ctx context.Context) (map[string]int, error) {
	q := squirrel.Select("g.name", "COUNT(e.request_key)").
		From("cache_groups g").
		LeftJoin("cache_entries e ON e.group_name = g.name").
		GroupBy("g.name")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count cache entries query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing count cache entries query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning cache count row: %w", err)
		}
		counts[name] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache count rows: %w", err)
	}
	return counts, nil
}

// Package records keeps the agent's optimistic copy of every point and test
// written through it, tagged with whether the server has seen the latest
// version.
package records

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

// ErrRecordNotFound is returned when no local copy exists
var ErrRecordNotFound = errors.New("record not found")

// SyncStatus tells whether the server has acknowledged the local copy
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// Record is a local copy of a point or test
type Record struct {
	Table      string          `json:"table"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	SyncStatus SyncStatus      `json:"syncStatus"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Repository defines operations on local records
type Repository interface {
	// Put stores data as the pending local copy of table/id
	Put(ctx context.Context, table, id string, data json.RawMessage, now time.Time) error

	// MarkSynced flags the local copy as acknowledged by the server
	MarkSynced(ctx context.Context, table, id string, now time.Time) error

	// Tombstone marks the local copy deleted, pending server acknowledgement
	Tombstone(ctx context.Context, table, id string, now time.Time) error

	// Delete removes the local copy
	Delete(ctx context.Context, table, id string) error

	// Get retrieves a local copy
	Get(ctx context.Context, table, id string) (*Record, error)

	// List returns the live local copies of table, newest first
	List(ctx context.Context, table string) ([]*Record, error)
}

// SQLRepository implements Repository on the local_records table
type SQLRepository struct {
	db     database.Querier
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository. db may be a *sql.Tx.
func NewSQLRepository(db database.Querier, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

var recordColumns = []string{"table_name", "id", "data", "sync_status", "deleted", "updated_at"}

// Put upserts the local copy. An update merges onto the stored JSON object
// so partial payloads keep fields written earlier.
func (r *SQLRepository) Put(ctx context.Context, table, id string, data json.RawMessage, now time.Time) error {
	merged := data
	existing, err := r.Get(ctx, table, id)
	switch {
	case err == nil:
		merged, err = mergeJSON(existing.Data, data)
		if err != nil {
			return fmt.Errorf("merging record %s/%s: %w", table, id, err)
		}
	case !errors.Is(err, ErrRecordNotFound):
		return err
	}

	q := squirrel.Insert("local_records").
		Columns(recordColumns...).
		Values(table, id, string(merged), SyncPending, false, now.UTC()).
		Suffix("ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data, " +
			"sync_status = excluded.sync_status, deleted = excluded.deleted, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building put record query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing put record query: %w", err)
	}

	return nil
}

// MarkSynced flags the local copy as acknowledged
func (r *SQLRepository) MarkSynced(ctx context.Context, table, id string, now time.Time) error {
	q := squirrel.Update("local_records").
		Set("sync_status", SyncSynced).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"table_name": table, "id": id})

	return r.exec(ctx, q, "mark record synced")
}

// Tombstone marks the local copy deleted. A delete for a record never seen
// locally still leaves a tombstone so reads agree with the queued delete.
func (r *SQLRepository) Tombstone(ctx context.Context, table, id string, now time.Time) error {
	q := squirrel.Insert("local_records").
		Columns(recordColumns...).
		Values(table, id, "{}", SyncPending, true, now.UTC()).
		Suffix("ON CONFLICT(table_name, id) DO UPDATE SET sync_status = excluded.sync_status, " +
			"deleted = excluded.deleted, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building tombstone record query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing tombstone record query: %w", err)
	}

	return nil
}

// Delete removes the local copy
func (r *SQLRepository) Delete(ctx context.Context, table, id string) error {
	q := squirrel.Delete("local_records").
		Where(squirrel.Eq{"table_name": table, "id": id})

	return r.exec(ctx, q, "delete record")
}

type sqlizer interface {
	ToSql() (string, []interface{}, error)
}

func (r *SQLRepository) exec(ctx context.Context, q sqlizer, what string) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building %s query: %w", what, err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing %s query: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get retrieves a local copy, tombstones included
func (r *SQLRepository) Get(ctx context.Context, table, id string) (*Record, error) {
	query, args, err := squirrel.Select(recordColumns...).
		From("local_records").
		Where(squirrel.Eq{"table_name": table, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get record query: %w", err)
	}

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("executing get record query: %w", err)
	}

	return rec, nil
}

// List returns the non-deleted local copies of table, most recently
// updated first
func (r *SQLRepository) List(ctx context.Context, table string) ([]*Record, error) {
	query, args, err := squirrel.Select(recordColumns...).
		From("local_records").
		Where(squirrel.Eq{"table_name": table, "deleted": false}).
		OrderBy("updated_at DESC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list records query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list records query: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}

	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var data string

	if err := row.Scan(&rec.Table, &rec.ID, &data, &rec.SyncStatus, &rec.Deleted, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// mergeJSON overlays the top-level fields of patch onto base
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, err
		}
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage)
	}

	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}

	return json.Marshal(dst)
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Repository defines persistence operations for queue items
type Repository interface {
	// Create inserts a new item
	Create(ctx context.Context, item *Item) error

	// CreateIfAbsent inserts item unless an item with the same id exists
	CreateIfAbsent(ctx context.Context, item *Item) (bool, error)

	// Get retrieves an item by id
	Get(ctx context.Context, id string) (*Item, error)

	// List returns items matching filter in creation order
	List(ctx context.Context, filter ListFilter) ([]*Item, error)

	// ListRetryable returns failed items eligible for automatic retry at now
	ListRetryable(ctx context.Context, now time.Time, maxRetries int) ([]*Item, error)

	// Transition moves an item from one of from to to, stamping now
	Transition(ctx context.Context, id string, from []Status, to Status, now time.Time) error

	// MarkFailed records a failed attempt
	MarkFailed(ctx context.Context, id string, cause string, retryable bool, nextRetryAt *time.Time, now time.Time) error

	// ResetFailed moves failed items back to pending; an empty id resets all of them
	ResetFailed(ctx context.Context, id string, now time.Time) (int64, error)

	// RecoverInFlight moves syncing items back to pending
	RecoverInFlight(ctx context.Context, now time.Time) (int64, error)

	// Delete removes an item
	Delete(ctx context.Context, id string) error

	// DeleteByStatus removes every item in one of statuses
	DeleteByStatus(ctx context.Context, statuses ...Status) (int64, error)

	// DeleteSyncedBefore removes synced items last updated before cutoff
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Counts aggregates items by status and table
	Counts(ctx context.Context) (Counts, error)

	// CountUnsyncedForEntity counts unsynced items touching table/entityID,
	// excluding the item excludeID
	CountUnsyncedForEntity(ctx context.Context, table Table, entityID, excludeID string) (int, error)

	// CountUnsyncedBefore counts unsynced items touching item's record that
	// were created before it
	CountUnsyncedBefore(ctx context.Context, item *Item) (int, error)
}

// SQLRepository implements Repository on the sync_queue table
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

var itemColumns = []string{
	"id", "table_name", "operation", "payload", "entity_id", "status", "retry_count",
	"retryable", "last_error", "created_at", "last_retry_at", "next_retry_at", "updated_at",
}

func insertItem(item *Item) squirrel.InsertBuilder {
	return squirrel.Insert("sync_queue").
		Columns(itemColumns...).
		Values(item.ID, item.Table, item.Operation, string(item.Payload), item.EntityID, item.Status,
			item.RetryCount, item.Retryable, item.LastError, item.CreatedAt.UTC(),
			nullTime(item.LastRetryAt), nullTime(item.NextRetryAt), item.UpdatedAt.UTC())
}

// Create inserts a new item
func (r *SQLRepository) Create(ctx context.Context, item *Item) error {
	query, args, err := insertItem(item).ToSql()
	if err != nil {
		return fmt.Errorf("building create queue item query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create queue item query: %w", err)
	}

	return nil
}

// CreateIfAbsent inserts item unless its id is already stored
func (r *SQLRepository) CreateIfAbsent(ctx context.Context, item *Item) (bool, error) {
	query, args, err := insertItem(item).Options("OR IGNORE").ToSql()
	if err != nil {
		return false, fmt.Errorf("building create queue item query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("executing create queue item query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// Get retrieves an item by id
func (r *SQLRepository) Get(ctx context.Context, id string) (*Item, error) {
	q := squirrel.Select(itemColumns...).
		From("sync_queue").
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get queue item query: %w", err)
	}

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("executing get queue item query: %w", err)
	}

	return item, nil
}

// List returns items matching filter ordered by creation
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	q := squirrel.Select(itemColumns...).
		From("sync_queue").
		OrderBy("created_at ASC", "id ASC")

	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": filter.Status})
	}
	if filter.Table != "" {
		q = q.Where(squirrel.Eq{"table_name": filter.Table})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	return r.query(ctx, q, "list queue items")
}

// ListRetryable returns failed, retryable items under the retry cap whose
// next attempt is due
func (r *SQLRepository) ListRetryable(ctx context.Context, now time.Time, maxRetries int) ([]*Item, error) {
	q := squirrel.Select(itemColumns...).
		From("sync_queue").
		Where(squirrel.Eq{"status": StatusFailed, "retryable": true}).
		Where(squirrel.Lt{"retry_count": maxRetries}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.LtOrEq{"next_retry_at": now.UTC()},
		}).
		OrderBy("created_at ASC", "id ASC")

	return r.query(ctx, q, "list retryable queue items")
}

func (r *SQLRepository) query(ctx context.Context, q squirrel.SelectBuilder, what string) ([]*Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building %s query: %w", what, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing %s query: %w", what, err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue item rows: %w", err)
	}

	return items, nil
}

// Transition moves an item to status to, provided its current status is in from
func (r *SQLRepository) Transition(ctx context.Context, id string, from []Status, to Status, now time.Time) error {
	q := squirrel.Update("sync_queue").
		Set("status", to).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"id": id, "status": from})

	if to == StatusSyncing {
		q = q.Set("last_retry_at", now.UTC())
	}
	if to == StatusSynced {
		q = q.Set("last_error", "").Set("next_retry_at", nil)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building transition queue item query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing transition queue item query: %w", err)
	}

	return r.expectOne(ctx, res, id, to)
}

// MarkFailed records a failed attempt. Only syncing items can fail.
func (r *SQLRepository) MarkFailed(ctx context.Context, id string, cause string, retryable bool, nextRetryAt *time.Time, now time.Time) error {
	q := squirrel.Update("sync_queue").
		Set("status", StatusFailed).
		Set("retry_count", squirrel.Expr("retry_count + 1")).
		Set("retryable", retryable).
		Set("last_error", cause).
		Set("next_retry_at", nullTime(nextRetryAt)).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"id": id, "status": StatusSyncing})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark failed query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing mark failed query: %w", err)
	}

	return r.expectOne(ctx, res, id, StatusFailed)
}

// expectOne turns a zero-row update into ErrItemNotFound or ErrInvalidTransition
func (r *SQLRepository) expectOne(ctx context.Context, res sql.Result, id string, to Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// ResetFailed moves failed items back to pending
func (r *SQLRepository) ResetFailed(ctx context.Context, id string, now time.Time) (int64, error) {
	q := squirrel.Update("sync_queue").
		Set("status", StatusPending).
		Set("next_retry_at", nil).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"status": StatusFailed})

	if id != "" {
		q = q.Where(squirrel.Eq{"id": id})
	}

	return r.exec(ctx, q, "reset failed queue items")
}

// RecoverInFlight moves syncing items left behind by a crash back to pending
func (r *SQLRepository) RecoverInFlight(ctx context.Context, now time.Time) (int64, error) {
	q := squirrel.Update("sync_queue").
		Set("status", StatusPending).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"status": StatusSyncing})

	return r.exec(ctx, q, "recover in-flight queue items")
}

// Delete removes an item
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	n, err := r.exec(ctx, squirrel.Delete("sync_queue").Where(squirrel.Eq{"id": id}), "delete queue item")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// DeleteByStatus removes every item in one of statuses
func (r *SQLRepository) DeleteByStatus(ctx context.Context, statuses ...Status) (int64, error) {
	return r.exec(ctx, squirrel.Delete("sync_queue").Where(squirrel.Eq{"status": statuses}), "delete queue items")
}

// DeleteSyncedBefore removes synced items last updated before cutoff
func (r *SQLRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := squirrel.Delete("sync_queue").
		Where(squirrel.Eq{"status": StatusSynced}).
		Where(squirrel.Lt{"updated_at": cutoff.UTC()})

	return r.exec(ctx, q, "purge synced queue items")
}

type sqlizer interface {
	ToSql() (string, []interface{}, error)
}

func (r *SQLRepository) exec(ctx context.Context, q sqlizer, what string) (int64, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building %s query: %w", what, err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing %s query: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// Counts aggregates items by status and table
func (r *SQLRepository) Counts(ctx context.Context) (Counts, error) {
	q := squirrel.Select("table_name", "status", "COUNT(*)").
		From("sync_queue").
		GroupBy("table_name", "status")

	query, args, err := q.ToSql()
	if err != nil {
		return Counts{}, fmt.Errorf("building count queue items query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Counts{}, fmt.Errorf("executing count queue items query: %w", err)
	}
	defer rows.Close()

	counts := Counts{Unsynced: make(map[Table]int)}
	for rows.Next() {
		var table Table
		var status Status
		var n int
		if err := rows.Scan(&table, &status, &n); err != nil {
			return Counts{}, fmt.Errorf("scanning count row: %w", err)
		}
		counts.add(table, status, n)
	}

	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iterating count rows: %w", err)
	}

	return counts, nil
}

// CountUnsyncedForEntity counts unsynced items touching table/entityID other
// than excludeID
func (r *SQLRepository) CountUnsyncedForEntity(ctx context.Context, table Table, entityID, excludeID string) (int, error) {
	q := squirrel.Select("COUNT(*)").
		From("sync_queue").
		Where(squirrel.Eq{"table_name": table, "entity_id": entityID}).
		Where(squirrel.NotEq{"status": StatusSynced, "id": excludeID})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count entity queue items query: %w", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("executing count entity queue items query: %w", err)
	}
	return n, nil
}

// CountUnsyncedBefore counts unsynced items for item's table/entity that
// precede it in creation order, ties broken by id
func (r *SQLRepository) CountUnsyncedBefore(ctx context.Context, item *Item) (int, error) {
	created := item.CreatedAt.UTC()
	q := squirrel.Select("COUNT(*)").
		From("sync_queue").
		Where(squirrel.Eq{"table_name": item.Table, "entity_id": item.EntityID}).
		Where(squirrel.NotEq{"status": StatusSynced}).
		Where(squirrel.Or{
			squirrel.Lt{"created_at": created},
			squirrel.And{squirrel.Eq{"created_at": created}, squirrel.Lt{"id": item.ID}},
		})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count earlier queue items query: %w", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("executing count earlier queue items query: %w", err)
	}
	return n, nil
}

func (c *Counts) add(table Table, status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusSyncing:
		c.Syncing += n
	case StatusSynced:
		c.Synced += n
	case StatusFailed:
		c.Failed += n
	}
	if status != StatusSynced {
		c.Unsynced[table] += n
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var payload string
	var lastRetryAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&item.ID,
		&item.Table,
		&item.Operation,
		&payload,
		&item.EntityID,
		&item.Status,
		&item.RetryCount,
		&item.Retryable,
		&item.LastError,
		&item.CreatedAt,
		&lastRetryAt,
		&nextRetryAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = []byte(payload)
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		item.LastRetryAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		item.NextRetryAt = &t
	}
	return &item, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

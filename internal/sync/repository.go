package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

// Repository defines operations for managing sync logs in the database
type Repository interface {
	// CreateSyncLog creates a new sync log
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLogs retrieves sync logs with optional filtering, newest first
	GetSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLog, error)

	// GetLatestSyncLog retrieves the latest sync log for an item; nil when none exists
	GetLatestSyncLog(ctx context.Context, itemID string) (*SyncLog, error)

	// DeleteSyncLogsBefore removes logs started before cutoff
	DeleteSyncLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LogFilter narrows GetSyncLogs results
type LogFilter struct {
	ItemID     string
	Trigger    Trigger
	DrainsOnly bool
	FailedOnly bool
	Limit      int
	Offset     int
}

// SQLRepository implements the Repository interface using a SQL database
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

var logColumns = []string{
	"id", "trigger_kind", "item_id", "table_name", "success", "error_type",
	"error_message", "items_synced", "started_at", "completed_at",
}

// CreateSyncLog creates a new sync log
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.SyncID()
	}

	var completedAt any
	if log.CompletedAt != nil {
		completedAt = log.CompletedAt.UTC()
	}

	q := squirrel.Insert("sync_logs").
		Columns(logColumns...).
		Values(log.ID, log.Trigger, log.ItemID, log.Table, log.Success, log.ErrorType,
			log.ErrorMessage, log.ItemsSynced, log.StartedAt.UTC(), completedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves sync logs with optional filtering
func (r *SQLRepository) GetSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLog, error) {
	q := squirrel.Select(logColumns...).
		From("sync_logs").
		OrderBy("started_at DESC", "id DESC")

	if filter.ItemID != "" {
		q = q.Where(squirrel.Eq{"item_id": filter.ItemID})
	}
	if filter.Trigger != "" {
		q = q.Where(squirrel.Eq{"trigger_kind": filter.Trigger})
	}
	if filter.DrainsOnly {
		q = q.Where(squirrel.Eq{"item_id": ""})
	}
	if filter.FailedOnly {
		q = q.Where(squirrel.Eq{"success": false})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// GetLatestSyncLog retrieves the latest sync log for an item
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context, itemID string) (*SyncLog, error) {
	q := squirrel.Select(logColumns...).
		From("sync_logs").
		Where(squirrel.Eq{"item_id": itemID}).
		OrderBy("started_at DESC", "id DESC").
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get latest sync log query: %w", err)
	}

	log, err := scanSyncLog(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No sync log found
		}
		return nil, fmt.Errorf("executing get latest sync log query: %w", err)
	}

	return log, nil
}

// DeleteSyncLogsBefore removes logs started before cutoff
func (r *SQLRepository) DeleteSyncLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := squirrel.Delete("sync_logs").
		Where(squirrel.Lt{"started_at": cutoff.UTC()})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete sync logs query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing delete sync logs query: %w", err)
	}

	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*SyncLog, error) {
	var log SyncLog
	var completedAt sql.NullTime

	err := row.Scan(
		&log.ID,
		&log.Trigger,
		&log.ItemID,
		&log.Table,
		&log.Success,
		&log.ErrorType,
		&log.ErrorMessage,
		&log.ItemsSynced,
		&log.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		log.CompletedAt = &completedAt.Time
	}
	return &log, nil
}

package blob

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

// Repository defines persistence operations for captured photos
type Repository interface {
	// CreateBlob stores a captured photo's bytes
	CreateBlob(ctx context.Context, b *PendingBlob) error

	// CreatePhoto stores a reference to a photo on disk
	CreatePhoto(ctx context.Context, p *PhotoMetadata) error

	// GetBlob retrieves a blob by id
	GetBlob(ctx context.Context, id string) (*PendingBlob, error)

	// GetPhoto retrieves a photo record by id
	GetPhoto(ctx context.Context, id string) (*PhotoMetadata, error)

	// ListPendingBlobs returns blobs due for an upload attempt at now, in
	// creation order. maxRetries <= 0 disables the retry cap.
	ListPendingBlobs(ctx context.Context, now time.Time, maxRetries int) ([]*PendingBlob, error)

	// ListPendingPhotos returns photo records due for an upload attempt at
	// now, in creation order
	ListPendingPhotos(ctx context.Context, now time.Time, maxRetries int) ([]*PhotoMetadata, error)

	// MarkUploaded records the remote URL; blob bytes are dropped
	MarkUploaded(ctx context.Context, kind Kind, id, remoteURL string, now time.Time) error

	// MarkFailed records a failed upload attempt. nextRetryAt is ignored
	// when retryable is false.
	MarkFailed(ctx context.Context, kind Kind, id, cause string, retryable bool, nextRetryAt *time.Time) error

	// ResetFailed clears the retry state of every un-uploaded capture that
	// has failed, returning how many were reset
	ResetFailed(ctx context.Context) (int64, error)

	// Counts reports un-uploaded captures
	Counts(ctx context.Context) (Counts, error)
}

// SQLRepository implements Repository on the pending_blobs and
// photo_metadata tables
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

var blobColumns = []string{
	"id", "owner_table", "owner_id", "filename", "content_type", "data", "uploaded",
	"remote_url", "retry_count", "retryable", "last_error", "next_retry_at", "created_at", "uploaded_at",
}

var photoColumns = []string{
	"id", "owner_table", "owner_id", "filename", "native_path", "uploaded",
	"remote_url", "retry_count", "retryable", "last_error", "next_retry_at", "created_at", "uploaded_at",
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindBlob:
		return "pending_blobs", nil
	case KindPhoto:
		return "photo_metadata", nil
	default:
		return "", fmt.Errorf("unknown blob kind %q", kind)
	}
}

// CreateBlob stores a captured photo's bytes
func (r *SQLRepository) CreateBlob(ctx context.Context, b *PendingBlob) error {
	q := squirrel.Insert("pending_blobs").
		Columns(blobColumns...).
		Values(b.ID, b.OwnerTable, b.OwnerID, b.Filename, b.ContentType, b.Data, b.Uploaded,
			b.RemoteURL, b.RetryCount, b.Retryable, b.LastError, nullTime(b.NextRetryAt), b.CreatedAt.UTC(), nullTime(b.UploadedAt))

	return r.insert(ctx, q, "create blob")
}

// CreatePhoto stores a reference to a photo on disk
func (r *SQLRepository) CreatePhoto(ctx context.Context, p *PhotoMetadata) error {
	q := squirrel.Insert("photo_metadata").
		Columns(photoColumns...).
		Values(p.ID, p.OwnerTable, p.OwnerID, p.Filename, p.NativePath, p.Uploaded,
			p.RemoteURL, p.RetryCount, p.Retryable, p.LastError, nullTime(p.NextRetryAt), p.CreatedAt.UTC(), nullTime(p.UploadedAt))

	return r.insert(ctx, q, "create photo")
}

func (r *SQLRepository) insert(ctx context.Context, q squirrel.InsertBuilder, what string) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building %s query: %w", what, err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing %s query: %w", what, err)
	}

	return nil
}

// GetBlob retrieves a blob by id
func (r *SQLRepository) GetBlob(ctx context.Context, id string) (*PendingBlob, error) {
	query, args, err := squirrel.Select(blobColumns...).
		From("pending_blobs").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get blob query: %w", err)
	}

	b, err := scanBlob(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("executing get blob query: %w", err)
	}

	return b, nil
}

// GetPhoto retrieves a photo record by id
func (r *SQLRepository) GetPhoto(ctx context.Context, id string) (*PhotoMetadata, error) {
	query, args, err := squirrel.Select(photoColumns...).
		From("photo_metadata").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get photo query: %w", err)
	}

	p, err := scanPhoto(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("executing get photo query: %w", err)
	}

	return p, nil
}

// dueForUpload selects un-uploaded captures whose next attempt is due
func dueForUpload(columns []string, table string, now time.Time, maxRetries int) squirrel.SelectBuilder {
	q := squirrel.Select(columns...).
		From(table).
		Where(squirrel.Eq{"uploaded": false, "retryable": true}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.LtOrEq{"next_retry_at": now.UTC()},
		}).
		OrderBy("created_at ASC", "id ASC")
	if maxRetries > 0 {
		q = q.Where(squirrel.Lt{"retry_count": maxRetries})
	}
	return q
}

// ListPendingBlobs returns blobs due for an upload attempt in creation order
func (r *SQLRepository) ListPendingBlobs(ctx context.Context, now time.Time, maxRetries int) ([]*PendingBlob, error) {
	query, args, err := dueForUpload(blobColumns, "pending_blobs", now, maxRetries).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list pending blobs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list pending blobs query: %w", err)
	}
	defer rows.Close()

	var blobs []*PendingBlob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blob row: %w", err)
		}
		blobs = append(blobs, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blob rows: %w", err)
	}

	return blobs, nil
}

// ListPendingPhotos returns photo records due for an upload attempt in
// creation order
func (r *SQLRepository) ListPendingPhotos(ctx context.Context, now time.Time, maxRetries int) ([]*PhotoMetadata, error) {
	query, args, err := dueForUpload(photoColumns, "photo_metadata", now, maxRetries).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list pending photos query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list pending photos query: %w", err)
	}
	defer rows.Close()

	var photos []*PhotoMetadata
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning photo row: %w", err)
		}
		photos = append(photos, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating photo rows: %w", err)
	}

	return photos, nil
}

// MarkUploaded records the remote URL. Blob bytes are cleared once the
// upload is confirmed.
func (r *SQLRepository) MarkUploaded(ctx context.Context, kind Kind, id, remoteURL string, now time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	q := squirrel.Update(table).
		Set("uploaded", true).
		Set("remote_url", remoteURL).
		Set("last_error", "").
		Set("next_retry_at", nil).
		Set("uploaded_at", now.UTC()).
		Where(squirrel.Eq{"id": id})
	if kind == KindBlob {
		q = q.Set("data", nil)
	}

	return r.update(ctx, q, "mark uploaded")
}

// MarkFailed records a failed upload attempt
func (r *SQLRepository) MarkFailed(ctx context.Context, kind Kind, id, cause string, retryable bool, nextRetryAt *time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	if !retryable {
		nextRetryAt = nil
	}

	q := squirrel.Update(table).
		Set("retry_count", squirrel.Expr("retry_count + 1")).
		Set("retryable", retryable).
		Set("last_error", cause).
		Set("next_retry_at", nullTime(nextRetryAt)).
		Where(squirrel.Eq{"id": id})

	return r.update(ctx, q, "mark upload failed")
}

// ResetFailed makes every failed, un-uploaded capture eligible again
func (r *SQLRepository) ResetFailed(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"pending_blobs", "photo_metadata"} {
		query, args, err := squirrel.Update(table).
			Set("retry_count", 0).
			Set("retryable", true).
			Set("next_retry_at", nil).
			Where(squirrel.Eq{"uploaded": false}).
			Where(squirrel.Or{
				squirrel.Gt{"retry_count": 0},
				squirrel.Eq{"retryable": false},
			}).
			ToSql()
		if err != nil {
			return total, fmt.Errorf("building reset %s query: %w", table, err)
		}

		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("executing reset %s query: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("reading rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func (r *SQLRepository) update(ctx context.Context, q squirrel.UpdateBuilder, what string) error {
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
		return ErrBlobNotFound
	}
	return nil
}

// Counts reports un-uploaded captures
func (r *SQLRepository) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	for _, target := range []struct {
		table string
		dest  *int
	}{
		{"pending_blobs", &counts.Blobs},
		{"photo_metadata", &counts.Photos},
	} {
		query, args, err := squirrel.Select("COUNT(*)").
			From(target.table).
			Where(squirrel.Eq{"uploaded": false}).
			ToSql()
		if err != nil {
			return Counts{}, fmt.Errorf("building count %s query: %w", target.table, err)
		}

		if err := r.db.QueryRowContext(ctx, query, args...).Scan(target.dest); err != nil {
			return Counts{}, fmt.Errorf("executing count %s query: %w", target.table, err)
		}
	}

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlob(row rowScanner) (*PendingBlob, error) {
	var b PendingBlob
	var nextRetryAt, uploadedAt sql.NullTime

	err := row.Scan(&b.ID, &b.OwnerTable, &b.OwnerID, &b.Filename, &b.ContentType, &b.Data,
		&b.Uploaded, &b.RemoteURL, &b.RetryCount, &b.Retryable, &b.LastError, &nextRetryAt,
		&b.CreatedAt, &uploadedAt)
	if err != nil {
		return nil, err
	}

	if nextRetryAt.Valid {
		b.NextRetryAt = &nextRetryAt.Time
	}
	if uploadedAt.Valid {
		b.UploadedAt = &uploadedAt.Time
	}
	return &b, nil
}

func scanPhoto(row rowScanner) (*PhotoMetadata, error) {
	var p PhotoMetadata
	var nextRetryAt, uploadedAt sql.NullTime

	err := row.Scan(&p.ID, &p.OwnerTable, &p.OwnerID, &p.Filename, &p.NativePath,
		&p.Uploaded, &p.RemoteURL, &p.RetryCount, &p.Retryable, &p.LastError, &nextRetryAt,
		&p.CreatedAt, &uploadedAt)
	if err != nil {
		return nil, err
	}

	if nextRetryAt.Valid {
		p.NextRetryAt = &nextRetryAt.Time
	}
	if uploadedAt.Valid {
		p.UploadedAt = &uploadedAt.Time
	}
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

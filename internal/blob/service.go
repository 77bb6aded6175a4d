package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

var (
	// ErrInvalidCapture is returned for captures with neither bytes nor a path
	ErrInvalidCapture = errors.New("invalid photo capture")

	// ErrCaptureTooLarge is returned when captured bytes exceed the upload limit
	ErrCaptureTooLarge = errors.New("photo capture too large")
)

// Service stores captures and uploads them
type Service struct {
	repo     Repository
	uploader Uploader
	maxSize  int64
	policy   RetryPolicy
	now      func() time.Time
	logger   *loggy.Logger
}

// NewService creates a blob service. uploader may be nil when the process
// only captures (e.g. CLI inspection commands).
func NewService(repo Repository, uploader Uploader, maxSize int64, logger *loggy.Logger) *Service {
	return &Service{
		repo:     repo,
		uploader: uploader,
		maxSize:  maxSize,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetRetryPolicy caps and spaces out automatic upload retries
func (s *Service) SetRetryPolicy(p RetryPolicy) {
	s.policy = p
}

// Repository returns the underlying repository
func (s *Service) Repository() Repository {
	return s.repo
}

// Capture stores a photo for later upload. Raw bytes become a PendingBlob,
// a filesystem path becomes a PhotoMetadata record.
func (s *Service) Capture(ctx context.Context, c Capture) (*CaptureResult, error) {
	now := s.now().UTC()
	filename := filepath.Base(strings.TrimSpace(c.Filename))

	switch {
	case len(c.Data) > 0:
		if s.maxSize > 0 && int64(len(c.Data)) > s.maxSize {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrCaptureTooLarge, len(c.Data), s.maxSize)
		}
		if filename == "." || filename == "/" || filename == "" {
			filename = "photo.jpg"
		}
		contentType := c.ContentType
		if contentType == "" {
			contentType = contentTypeFor(filename)
		}

		b := &PendingBlob{
			ID:          ulid.BlobID(),
			OwnerTable:  c.OwnerTable,
			OwnerID:     c.OwnerID,
			Filename:    filename,
			ContentType: contentType,
			Data:        c.Data,
			Retryable:   true,
			CreatedAt:   now,
		}
		if err := s.repo.CreateBlob(ctx, b); err != nil {
			return nil, fmt.Errorf("storing blob: %w", err)
		}

		s.logger.Info("Captured photo blob", "id", b.ID, "size", len(c.Data))
		return &CaptureResult{ID: b.ID, Kind: KindBlob}, nil

	case c.NativePath != "":
		if filename == "." || filename == "/" || filename == "" {
			filename = filepath.Base(c.NativePath)
		}

		p := &PhotoMetadata{
			ID:         ulid.PhotoID(),
			OwnerTable: c.OwnerTable,
			OwnerID:    c.OwnerID,
			Filename:   filename,
			NativePath: c.NativePath,
			Retryable:  true,
			CreatedAt:  now,
		}
		if err := s.repo.CreatePhoto(ctx, p); err != nil {
			return nil, fmt.Errorf("storing photo metadata: %w", err)
		}

		s.logger.Info("Captured photo reference", "id", p.ID, "path", p.NativePath)
		return &CaptureResult{ID: p.ID, Kind: KindPhoto}, nil

	default:
		return nil, fmt.Errorf("%w: no data and no native path", ErrInvalidCapture)
	}
}

// Resolve reports whether the capture with id has been uploaded and where.
// A capture that will not be attempted again returns ErrUploadAbandoned.
func (s *Service) Resolve(ctx context.Context, id string) (string, bool, error) {
	var (
		remoteURL  string
		uploaded   bool
		retryable  bool
		retryCount int
		lastError  string
	)

	if parsed, err := ulid.Parse(id); err == nil && parsed.Prefix() == ulid.PrefixPhoto {
		p, err := s.repo.GetPhoto(ctx, id)
		if err != nil {
			return "", false, err
		}
		remoteURL, uploaded, retryable, retryCount, lastError = p.RemoteURL, p.Uploaded, p.Retryable, p.RetryCount, p.LastError
	} else {
		b, err := s.repo.GetBlob(ctx, id)
		if err != nil {
			return "", false, err
		}
		remoteURL, uploaded, retryable, retryCount, lastError = b.RemoteURL, b.Uploaded, b.Retryable, b.RetryCount, b.LastError
	}

	if !uploaded && s.policy.exhausted(retryable, retryCount) {
		return "", false, fmt.Errorf("%w: %s after %d attempts: %s", ErrUploadAbandoned, id, retryCount, lastError)
	}
	return remoteURL, uploaded, nil
}

// ResetFailed makes failed captures eligible for upload again
func (s *Service) ResetFailed(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Reset failed photo uploads", "count", n)
	}
	return n, nil
}

// Counts reports un-uploaded captures
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.Counts(ctx)
}

// Failure describes one capture that could not be uploaded
type Failure struct {
	ID    string
	Kind  Kind
	Cause error
}

// UploadResult summarizes an upload pass
type UploadResult struct {
	Uploaded int
	Failures []Failure
}

// UploadPending uploads every blob and then every photo record due for an
// attempt, oldest first. Captures that failed permanently or ran out of
// retries are left alone. pace, when set, is called before each upload and
// an error from it stops the pass.
func (s *Service) UploadPending(ctx context.Context, pace func(context.Context) error) (UploadResult, error) {
	var result UploadResult
	if s.uploader == nil {
		return result, fmt.Errorf("no uploader configured")
	}

	now := s.now()

	blobs, err := s.repo.ListPendingBlobs(ctx, now, s.policy.MaxRetries)
	if err != nil {
		return result, fmt.Errorf("listing pending blobs: %w", err)
	}

	for _, b := range blobs {
		if pace != nil {
			if err := pace(ctx); err != nil {
				return result, err
			}
		}

		obj := Object{
			ID:          b.ID,
			Filename:    b.Filename,
			ContentType: b.ContentType,
			Size:        int64(len(b.Data)),
			Body:        bytes.NewReader(b.Data),
		}
		s.record(ctx, &result, KindBlob, obj, b.RetryCount)
	}

	photos, err := s.repo.ListPendingPhotos(ctx, now, s.policy.MaxRetries)
	if err != nil {
		return result, fmt.Errorf("listing pending photos: %w", err)
	}

	for _, p := range photos {
		if pace != nil {
			if err := pace(ctx); err != nil {
				return result, err
			}
		}

		data, err := os.ReadFile(p.NativePath)
		if err != nil {
			cause := fmt.Errorf("reading %s: %w", p.NativePath, err)
			s.fail(ctx, &result, KindPhoto, p.ID, p.RetryCount, cause)
			continue
		}

		obj := Object{
			ID:          p.ID,
			Filename:    p.Filename,
			ContentType: contentTypeFor(p.Filename),
			Size:        int64(len(data)),
			Body:        bytes.NewReader(data),
		}
		s.record(ctx, &result, KindPhoto, obj, p.RetryCount)
	}

	return result, nil
}

func (s *Service) record(ctx context.Context, result *UploadResult, kind Kind, obj Object, attempts int) {
	remoteURL, err := s.uploader.Upload(ctx, obj)
	if err != nil {
		s.fail(ctx, result, kind, obj.ID, attempts, err)
		return
	}

	if err := s.repo.MarkUploaded(ctx, kind, obj.ID, remoteURL, s.now()); err != nil {
		s.fail(ctx, result, kind, obj.ID, attempts, fmt.Errorf("marking uploaded: %w", err))
		return
	}

	result.Uploaded++
}

// fail records an attempt by a capture that had already failed attempts times
func (s *Service) fail(ctx context.Context, result *UploadResult, kind Kind, id string, attempts int, cause error) {
	retryable := uploadRetryable(cause)
	result.Failures = append(result.Failures, Failure{ID: id, Kind: kind, Cause: cause})

	var next *time.Time
	if retryable && s.policy.NextRetryAt != nil {
		t := s.policy.NextRetryAt(s.now(), attempts)
		next = &t
	}

	if s.policy.exhausted(retryable, attempts+1) {
		s.logger.Warn("Photo upload abandoned", "id", id, "kind", kind, "attempts", attempts+1, "error", cause)
	} else {
		s.logger.Warn("Photo upload failed, will retry", "id", id, "kind", kind, "next_retry_at", next, "error", cause)
	}

	if err := s.repo.MarkFailed(ctx, kind, id, cause.Error(), retryable, next); err != nil {
		s.logger.Error("Failed to record upload failure", "id", id, "error", err)
	}
}

// uploadRetryable reports whether an upload failure may succeed later. A
// missing file and a rejected upload never will.
func uploadRetryable(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}

	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		code := uploadErr.StatusCode
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	}

	return true
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	order    []string
	failIDs  map[string]error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: make(map[string][]byte), failIDs: make(map[string]error)}
}

func (f *fakeUploader) Upload(_ context.Context, obj Object) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.order = append(f.order, obj.ID)
	if err, ok := f.failIDs[obj.ID]; ok {
		return "", err
	}
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", err
	}
	f.uploaded[obj.ID] = data
	return "https://cdn.example.com/" + obj.Key(), nil
}

func setupService(t *testing.T, uploader Uploader) (*Service, *SQLRepository) {
	t.Helper()
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	svc := NewService(repo, uploader, 1024, loggy.NewNoopLogger())

	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return svc, repo
}

func TestCaptureBlob(t *testing.T) {
	svc, repo := setupService(t, newFakeUploader())
	ctx := context.Background()

	res, err := svc.Capture(ctx, Capture{OwnerTable: "tests", Filename: "ancora.jpg", Data: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, KindBlob, res.Kind)
	assert.Contains(t, res.ID, "blob-")

	b, err := repo.GetBlob(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", b.ContentType)
	assert.Equal(t, []byte("jpeg"), b.Data)
	assert.False(t, b.Uploaded)
	assert.Nil(t, b.UploadedAt)
}

func TestCaptureValidation(t *testing.T) {
	svc, _ := setupService(t, newFakeUploader())
	ctx := context.Background()

	_, err := svc.Capture(ctx, Capture{Filename: "empty.jpg"})
	assert.ErrorIs(t, err, ErrInvalidCapture)

	_, err = svc.Capture(ctx, Capture{Filename: "big.jpg", Data: make([]byte, 2048)})
	assert.ErrorIs(t, err, ErrCaptureTooLarge)
}

func TestUploadPending(t *testing.T) {
	uploader := newFakeUploader()
	svc, repo := setupService(t, uploader)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "native.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0600))

	photo, err := svc.Capture(ctx, Capture{NativePath: path})
	require.NoError(t, err)
	first, err := svc.Capture(ctx, Capture{Filename: "a.jpg", Data: []byte("a")})
	require.NoError(t, err)
	second, err := svc.Capture(ctx, Capture{Filename: "b.jpg", Data: []byte("b")})
	require.NoError(t, err)

	var paced int
	result, err := svc.UploadPending(ctx, func(context.Context) error {
		paced++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Uploaded)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 3, paced)

	// blobs first, then photo records
	assert.Equal(t, []string{first.ID, second.ID, photo.ID}, uploader.order)
	assert.Equal(t, []byte("png"), uploader.uploaded[photo.ID])

	b, err := repo.GetBlob(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, b.Uploaded)
	assert.Empty(t, b.Data, "bytes are dropped after upload")
	assert.Equal(t, "https://cdn.example.com/"+first.ID+"-a.jpg", b.RemoteURL)
	require.NotNil(t, b.UploadedAt)

	url, uploaded, err := svc.Resolve(ctx, photo.ID)
	require.NoError(t, err)
	assert.True(t, uploaded)
	assert.Equal(t, "https://cdn.example.com/"+photo.ID+"-native.png", url)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestUploadPendingFailures(t *testing.T) {
	uploader := newFakeUploader()
	svc, repo := setupService(t, uploader)
	ctx := context.Background()

	bad, err := svc.Capture(ctx, Capture{Filename: "bad.jpg", Data: []byte("x")})
	require.NoError(t, err)
	good, err := svc.Capture(ctx, Capture{Filename: "good.jpg", Data: []byte("y")})
	require.NoError(t, err)
	missing, err := svc.Capture(ctx, Capture{NativePath: filepath.Join(t.TempDir(), "gone.jpg")})
	require.NoError(t, err)

	uploader.failIDs[bad.ID] = &UploadError{StatusCode: 503, Message: "unavailable"}

	result, err := svc.UploadPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, bad.ID, result.Failures[0].ID)
	assert.Equal(t, missing.ID, result.Failures[1].ID)

	b, err := repo.GetBlob(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, b.Uploaded)
	assert.Equal(t, 1, b.RetryCount)
	assert.Contains(t, b.LastError, "503")
	assert.Equal(t, []byte("x"), b.Data, "bytes kept until upload succeeds")

	_, uploaded, err := svc.Resolve(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, uploaded)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Blobs: 1, Photos: 1}, counts)
}

func (f *fakeUploader) attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.order {
		if got == id {
			n++
		}
	}
	return n
}

func TestUploadRetriesAreCappedAndSpacedOut(t *testing.T) {
	uploader := newFakeUploader()
	svc, repo := setupService(t, uploader)
	ctx := context.Background()

	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	svc.SetRetryPolicy(RetryPolicy{
		MaxRetries:  3,
		NextRetryAt: func(at time.Time, _ int) time.Time { return at.Add(time.Minute) },
	})

	flaky, err := svc.Capture(ctx, Capture{Filename: "flaky.jpg", Data: []byte("x")})
	require.NoError(t, err)
	uploader.failIDs[flaky.ID] = &UploadError{StatusCode: 503, Message: "unavailable"}

	_, err = svc.UploadPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, uploader.attempts(flaky.ID))

	// not due yet
	_, err = svc.UploadPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, uploader.attempts(flaky.ID))

	_, uploaded, err := svc.Resolve(ctx, flaky.ID)
	require.NoError(t, err, "still retrying")
	assert.False(t, uploaded)

	for i := 0; i < 10; i++ {
		now = now.Add(2 * time.Minute)
		_, err = svc.UploadPending(ctx, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, uploader.attempts(flaky.ID))

	b, err := repo.GetBlob(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.RetryCount)
	assert.True(t, b.Retryable)
	assert.False(t, b.Uploaded)

	_, _, err = svc.Resolve(ctx, flaky.ID)
	assert.ErrorIs(t, err, ErrUploadAbandoned)

	// an explicit reset makes it eligible again
	delete(uploader.failIDs, flaky.ID)
	n, err := svc.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := svc.UploadPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	_, uploaded, err = svc.Resolve(ctx, flaky.ID)
	require.NoError(t, err)
	assert.True(t, uploaded)
}

func TestPermanentUploadFailuresAreNotRetried(t *testing.T) {
	uploader := newFakeUploader()
	svc, repo := setupService(t, uploader)
	ctx := context.Background()

	rejected, err := svc.Capture(ctx, Capture{Filename: "rejected.jpg", Data: []byte("x")})
	require.NoError(t, err)
	missing, err := svc.Capture(ctx, Capture{NativePath: filepath.Join(t.TempDir(), "gone.jpg")})
	require.NoError(t, err)
	uploader.failIDs[rejected.ID] = &UploadError{StatusCode: 422, Message: "unsupported image"}

	for i := 0; i < 3; i++ {
		_, err = svc.UploadPending(ctx, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, uploader.attempts(rejected.ID))

	b, err := repo.GetBlob(ctx, rejected.ID)
	require.NoError(t, err)
	assert.False(t, b.Retryable)
	assert.Equal(t, 1, b.RetryCount)

	p, err := repo.GetPhoto(ctx, missing.ID)
	require.NoError(t, err)
	assert.False(t, p.Retryable)
	assert.Equal(t, 1, p.RetryCount)

	_, _, err = svc.Resolve(ctx, rejected.ID)
	assert.ErrorIs(t, err, ErrUploadAbandoned)
	_, _, err = svc.Resolve(ctx, missing.ID)
	assert.ErrorIs(t, err, ErrUploadAbandoned)
}

func TestUploadRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &UploadError{StatusCode: 502}, true},
		{"rate limited", &UploadError{StatusCode: 429}, true},
		{"request timeout", &UploadError{StatusCode: 408}, true},
		{"rejected", &UploadError{StatusCode: 413}, false},
		{"missing file", &os.PathError{Op: "open", Path: "x.jpg", Err: os.ErrNotExist}, false},
		{"transport", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uploadRetryable(tt.err))
		})
	}
}

func TestUploadPendingStopsWhenPaceFails(t *testing.T) {
	uploader := newFakeUploader()
	svc, _ := setupService(t, uploader)
	ctx := context.Background()

	_, err := svc.Capture(ctx, Capture{Filename: "a.jpg", Data: []byte("a")})
	require.NoError(t, err)

	stop := errors.New("rate limiter closed")
	_, err = svc.UploadPending(ctx, func(context.Context) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Empty(t, uploader.order)
}

func TestResolveUnknown(t *testing.T) {
	svc, _ := setupService(t, newFakeUploader())

	_, _, err := svc.Resolve(context.Background(), "blob-01J0000000000000000000000")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, _, err = svc.Resolve(context.Background(), "photo-01J0000000000000000000000")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestUploadPendingWithoutUploader(t *testing.T) {
	svc, _ := setupService(t, nil)
	_, err := svc.UploadPending(context.Background(), nil)
	assert.Error(t, err)
}

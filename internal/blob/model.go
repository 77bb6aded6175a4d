// Package blob holds photos captured offline until the reconciler uploads
// them: raw bytes in pending_blobs, or a path to a file on disk in
// photo_metadata.
package blob

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrBlobNotFound is returned when a blob or photo record does not exist
	ErrBlobNotFound = errors.New("blob not found")

	// ErrUploadAbandoned is returned by Resolve for a capture that failed
	// permanently or ran out of automatic retries
	ErrUploadAbandoned = errors.New("photo upload abandoned")
)

// Kind distinguishes the two capture forms
type Kind string

const (
	KindBlob  Kind = "blob"
	KindPhoto Kind = "photo"
)

// PendingBlob is a captured photo kept as raw bytes
type PendingBlob struct {
	ID          string     `json:"id"`
	OwnerTable  string     `json:"ownerTable,omitempty"`
	OwnerID     string     `json:"ownerId,omitempty"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"contentType"`
	Data        []byte     `json:"-"`
	Uploaded    bool       `json:"uploaded"`
	RemoteURL   string     `json:"remoteUrl,omitempty"`
	RetryCount  int        `json:"retryCount"`
	Retryable   bool       `json:"retryable"`
	LastError   string     `json:"lastError,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UploadedAt  *time.Time `json:"uploadedAt,omitempty"`
}

// PhotoMetadata is a captured photo that lives on disk at NativePath
type PhotoMetadata struct {
	ID          string     `json:"id"`
	OwnerTable  string     `json:"ownerTable,omitempty"`
	OwnerID     string     `json:"ownerId,omitempty"`
	Filename    string     `json:"filename"`
	NativePath  string     `json:"nativePath"`
	Uploaded    bool       `json:"uploaded"`
	RemoteURL   string     `json:"remoteUrl,omitempty"`
	RetryCount  int        `json:"retryCount"`
	Retryable   bool       `json:"retryable"`
	LastError   string     `json:"lastError,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UploadedAt  *time.Time `json:"uploadedAt,omitempty"`
}

// Object is what an Uploader sends
type Object struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Key returns the storage key for the object
func (o Object) Key() string {
	return fmt.Sprintf("%s-%s", o.ID, o.Filename)
}

// Capture describes a photo handed to the agent by a client
type Capture struct {
	OwnerTable  string
	OwnerID     string
	Filename    string
	ContentType string
	// Data holds the bytes; leave empty and set NativePath for photos already on disk
	Data       []byte
	NativePath string
}

// CaptureResult identifies a stored capture
type CaptureResult struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Counts reports un-uploaded captures
type Counts struct {
	Blobs  int `json:"blobs"`
	Photos int `json:"photos"`
}

// UploadError is returned by uploaders when the remote end answers with a
// non-2xx status
type UploadError struct {
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code
func (e *UploadError) HTTPStatus() int {
	return e.StatusCode
}

// RetryPolicy bounds automatic upload retries. MaxRetries <= 0 means no
// cap; a nil NextRetryAt retries on the next pass.
type RetryPolicy struct {
	MaxRetries  int
	NextRetryAt func(now time.Time, attempts int) time.Time
}

// exhausted reports whether a capture with this state gets no more
// automatic attempts
func (p RetryPolicy) exhausted(retryable bool, retryCount int) bool {
	return !retryable || (p.MaxRetries > 0 && retryCount >= p.MaxRetries)
}

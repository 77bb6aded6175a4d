package sync

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/queue"
)

// ErrBlobDependency is returned for a mutation referencing a photo that has
// not been uploaded yet
var ErrBlobDependency = errors.New("blob dependency not uploaded")

type httpStatusError interface {
	HTTPStatus() int
}

// Classify maps a dispatch error to its error type and whether the item may
// be retried automatically. Transport failures, timeouts, 408, 429 and 5xx
// are transient; every other status is permanent until reset by hand.
func Classify(err error) (SyncErrorType, bool) {
	if err == nil {
		return "", false
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.HTTPStatus())
	}

	switch {
	case errors.Is(err, blob.ErrUploadAbandoned):
		return SyncErrorTypeValidation, false
	case errors.Is(err, ErrBlobDependency):
		return SyncErrorTypeNetwork, true
	case errors.Is(err, blob.ErrBlobNotFound), errors.Is(err, queue.ErrInvalidPayload):
		return SyncErrorTypeValidation, false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SyncErrorTypeNetwork, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return SyncErrorTypeNetwork, true
	}

	return SyncErrorTypeUnknown, true
}

func classifyStatus(code int) (SyncErrorType, bool) {
	switch {
	case code == http.StatusRequestTimeout:
		return SyncErrorTypeNetwork, true
	case code == http.StatusTooManyRequests:
		return SyncErrorTypeServer, true
	case code >= 500:
		return SyncErrorTypeServer, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return SyncErrorTypeAuth, false
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return SyncErrorTypeValidation, false
	default:
		return SyncErrorTypeClient, false
	}
}

// RetrySchedule computes when a failed item becomes eligible again
type RetrySchedule struct {
	Initial time.Duration
	Max     time.Duration
}

// NextRetryAt returns now plus the exponential delay for an item that has
// already failed attempts times. The delay doubles per attempt without
// jitter and is capped at Max.
func (s RetrySchedule) NextRetryAt(now time.Time, attempts int) time.Time {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	b.MaxInterval = s.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return now.Add(delay)
}

// UploadRetryPolicy applies the mutation retry cap and schedule to photo
// uploads. With automatic retry off a capture gets a single attempt.
func UploadRetryPolicy(cfg config.SyncConfig) blob.RetryPolicy {
	maxRetries := cfg.MaxRetries
	if !cfg.AutoRetry {
		maxRetries = 1
	}
	schedule := RetrySchedule{Initial: cfg.RetryInitial, Max: cfg.RetryMaxInterval}
	return blob.RetryPolicy{MaxRetries: maxRetries, NextRetryAt: schedule.NextRetryAt}
}

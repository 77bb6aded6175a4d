// Package queue is the durable mutation queue: writes made while offline
// wait here, in creation order, until the reconciler applies them upstream.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrItemNotFound is returned when a queue item does not exist
	ErrItemNotFound = errors.New("queue item not found")
	// ErrInvalidPayload is returned when a payload fails decoding or validation
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownTable is returned for tables outside the supported set
	ErrUnknownTable = errors.New("unknown table")
	// ErrStoreUnavailable is returned when neither the primary nor the fallback store accepts a write
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrInvalidTransition is returned for status changes the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Operation is the kind of mutation
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, s)
}

// Status is the lifecycle state of a queue item
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// transitions lists the status changes UpdateStatus accepts. failed→pending
// and syncing→pending are reserved for RetryFailed/Requeue and
// RecoverInFlight.
var transitions = map[Status][]Status{
	StatusPending: {StatusSyncing},
	StatusSyncing: {StatusSynced, StatusFailed},
	StatusFailed:  {StatusSyncing},
}

// CanTransition reports whether from→to is an allowed automatic transition
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is a single queued mutation
type Item struct {
	ID          string          `json:"id"`
	Table       Table           `json:"table"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	EntityID    string          `json:"entityId,omitempty"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	Retryable   bool            `json:"retryable"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Decode decodes the item's payload into its typed form
func (i *Item) Decode() (Payload, error) {
	return DecodePayload(i.Table, i.Payload)
}

// EligibleForRetry reports whether a failed item may be retried automatically at now
func (i *Item) EligibleForRetry(now time.Time, maxRetries int) bool {
	if i.Status != StatusFailed || !i.Retryable || i.RetryCount >= maxRetries {
		return false
	}
	return i.NextRetryAt == nil || !i.NextRetryAt.After(now)
}

// Counts summarizes the queue by status and table
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	// Unsynced counts pending, syncing and failed items per table
	Unsynced map[Table]int `json:"unsynced"`
}

// TotalUnsynced sums Unsynced over all tables
func (c Counts) TotalUnsynced() int {
	total := 0
	for _, n := range c.Unsynced {
		total += n
	}
	return total
}

// ListFilter narrows List results
type ListFilter struct {
	Status Status
	Table  Table
	Limit  int
	Offset int
}

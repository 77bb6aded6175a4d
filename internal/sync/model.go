// Package sync drains the mutation queue against the upstream API: the API
// client, the reconciler, its triggers and the sync log.
package sync

import (
	"fmt"
	"time"
)

// Trigger names what started a drain
type Trigger string

const (
	// TriggerStartup is the drain run when the reconciler starts
	TriggerStartup Trigger = "startup"
	// TriggerConnectivity fires when the upstream becomes reachable again
	TriggerConnectivity Trigger = "connectivity"
	// TriggerForeground fires when a client reports it came to the foreground
	TriggerForeground Trigger = "foreground"
	// TriggerManual is an explicit sync request
	TriggerManual Trigger = "manual"
	// TriggerPeriodic is the periodic wake
	TriggerPeriodic Trigger = "periodic"
)

// SyncErrorType represents the type of error that occurred during sync
type SyncErrorType string

const (
	// SyncErrorTypeNetwork represents a network error
	SyncErrorTypeNetwork SyncErrorType = "network"
	// SyncErrorTypeAuth represents an authentication error
	SyncErrorTypeAuth SyncErrorType = "auth"
	// SyncErrorTypeServer represents a server error
	SyncErrorTypeServer SyncErrorType = "server"
	// SyncErrorTypeClient represents a client error
	SyncErrorTypeClient SyncErrorType = "client"
	// SyncErrorTypeValidation represents a payload rejected by the server
	SyncErrorTypeValidation SyncErrorType = "validation"
	// SyncErrorTypeUnknown represents an unknown error
	SyncErrorTypeUnknown SyncErrorType = "unknown"
)

// SyncLog represents a log entry for one item outcome or one whole drain.
// Drain entries have an empty ItemID.
type SyncLog struct {
	ID           string        `json:"id"`
	Trigger      Trigger       `json:"trigger"`
	ItemID       string        `json:"item_id,omitempty"`
	Table        string        `json:"table,omitempty"`
	Success      bool          `json:"success"`
	ErrorType    SyncErrorType `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ItemsSynced  int           `json:"items_synced"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// NewSyncLog creates a new sync log entry
func NewSyncLog(trigger Trigger, itemID, table string, startedAt time.Time) *SyncLog {
	return &SyncLog{
		Trigger:   trigger,
		ItemID:    itemID,
		Table:     table,
		Success:   false, // set when the outcome is known
		StartedAt: startedAt,
	}
}

// MarkSuccessful marks the sync log as successful
func (l *SyncLog) MarkSuccessful(itemsSynced int, at time.Time) {
	l.Success = true
	l.ItemsSynced = itemsSynced
	l.CompletedAt = &at
}

// MarkFailed marks the sync log as failed
func (l *SyncLog) MarkFailed(errorType SyncErrorType, errorMessage string, at time.Time) {
	l.Success = false
	l.ErrorType = errorType
	l.ErrorMessage = errorMessage
	l.CompletedAt = &at
}

// DrainResult summarizes one drain
type DrainResult struct {
	Trigger Trigger `json:"trigger"`
	// Coalesced is set when another drain was already running; nothing was done
	Coalesced     bool          `json:"coalesced"`
	Synced        int           `json:"synced"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	BlobsUploaded int           `json:"blobsUploaded"`
	BlobsFailed   int           `json:"blobsFailed"`
	Duration      time.Duration `json:"duration"`
}

func (r *DrainResult) String() string {
	if r.Coalesced {
		return "coalesced into running drain"
	}
	return fmt.Sprintf("synced=%d failed=%d skipped=%d blobs=%d/%d in %s",
		r.Synced, r.Failed, r.Skipped, r.BlobsUploaded, r.BlobsUploaded+r.BlobsFailed, r.Duration.Round(time.Millisecond))
}

// Event types broadcast after a drain
const (
	EventSyncCompleted = "sync-completed"
	EventSyncFailed    = "sync-failed"
)

// Notifier receives drain outcomes
type Notifier interface {
	Broadcast(eventType string, data any)
}

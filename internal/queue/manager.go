package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

// Manager is the mutation queue API used by the facade, the reconciler and
// the CLI
type Manager struct {
	repo     Repository
	fallback *FileStore
	logger   *loggy.Logger
	now      func() time.Time
}

// NewManager creates a queue manager. fallback may be nil, in which case a
// rejected write is returned as ErrStoreUnavailable.
func NewManager(repo Repository, fallback *FileStore, logger *loggy.Logger) *Manager {
	return &Manager{
		repo:     repo,
		fallback: fallback,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Enqueue validates payload and persists a new pending item, returning its id
func (m *Manager) Enqueue(ctx context.Context, op Operation, table Table, payload []byte) (string, error) {
	return m.EnqueueWithID(ctx, ulid.MutationID(), op, table, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen item id. The id doubles as
// the idempotency key sent upstream, so a write already attempted under id
// is deduplicated by the server when the queued copy is replayed. An empty
// id gets a fresh one.
func (m *Manager) EnqueueWithID(ctx context.Context, id string, op Operation, table Table, payload []byte) (string, error) {
	if id == "" {
		id = ulid.MutationID()
	} else if err := ulid.Validate(id, ulid.PrefixMutation); err != nil {
		return "", fmt.Errorf("%w: item id: %v", ErrInvalidPayload, err)
	}
	if _, err := ParseTable(string(table)); err != nil {
		return "", err
	}
	if _, err := ParseOperation(string(op)); err != nil {
		return "", err
	}

	p, err := DecodePayload(table, payload)
	if err != nil {
		return "", err
	}
	if op == OpCreate && AssignEntityID(p) {
		if payload, err = json.Marshal(p); err != nil {
			return "", fmt.Errorf("encoding payload: %w", err)
		}
	}
	if err := p.Validate(op); err != nil {
		return "", err
	}

	now := m.now()
	item := &Item{
		ID:        id,
		Table:     table,
		Operation: op,
		Payload:   payload,
		EntityID:  p.EntityID(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.Create(ctx, item); err != nil {
		if m.fallback == nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		m.logger.Warn("Queue store rejected write, using fallback store", "item_id", item.ID, "error", err)
		if ferr := m.fallback.Put(item); ferr != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, errors.Join(err, ferr))
		}
	}

	m.logger.Debug("Enqueued mutation", "item_id", item.ID, "table", table, "operation", op, "entity_id", item.EntityID)
	return item.ID, nil
}

// PromoteFallback moves items from the fallback store into the primary
// store. It returns the number promoted.
func (m *Manager) PromoteFallback(ctx context.Context) (int, error) {
	if m.fallback == nil {
		return 0, nil
	}

	items, err := m.fallback.List()
	if err != nil {
		m.logger.Warn("Some fallback items could not be read", "error", err)
	}

	promoted := 0
	for _, item := range items {
		if _, err := m.repo.CreateIfAbsent(ctx, item); err != nil {
			return promoted, fmt.Errorf("promoting fallback item %s: %w", item.ID, err)
		}
		if err := m.fallback.Delete(item.ID); err != nil {
			m.logger.Warn("Failed to remove promoted fallback item", "item_id", item.ID, "error", err)
		}
		promoted++
	}

	if promoted > 0 {
		m.logger.Info("Promoted fallback queue items", "count", promoted)
	}
	return promoted, nil
}

// ListPending returns pending items in creation order, promoting fallback
// items first when the primary store accepts them
func (m *Manager) ListPending(ctx context.Context) ([]*Item, error) {
	if _, err := m.PromoteFallback(ctx); err != nil {
		m.logger.Warn("Fallback promotion failed", "error", err)
	}
	return m.repo.List(ctx, ListFilter{Status: StatusPending})
}

// ListRetryable returns failed items due for an automatic retry
func (m *Manager) ListRetryable(ctx context.Context, now time.Time, maxRetries int) ([]*Item, error) {
	return m.repo.ListRetryable(ctx, now, maxRetries)
}

// UpdateStatus applies an automatic lifecycle transition
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status) error {
	var from []Status
	for s, targets := range transitions {
		for _, t := range targets {
			if t == status {
				from = append(from, s)
			}
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, status)
	}

	return m.repo.Transition(ctx, id, from, status, m.now())
}

// MarkFailed records a failed attempt on a syncing item
func (m *Manager) MarkFailed(ctx context.Context, id string, cause string, retryable bool, nextRetryAt *time.Time) error {
	return m.repo.MarkFailed(ctx, id, cause, retryable, nextRetryAt, m.now())
}

// Remove deletes an item from whichever store holds it
func (m *Manager) Remove(ctx context.Context, id string) error {
	err := m.repo.Delete(ctx, id)
	if err == nil || !errors.Is(err, ErrItemNotFound) || m.fallback == nil {
		return err
	}

	if _, ferr := m.fallbackItem(id); ferr != nil {
		return ErrItemNotFound
	}
	return m.fallback.Delete(id)
}

// Get returns an item from either store
func (m *Manager) Get(ctx context.Context, id string) (*Item, error) {
	item, err := m.repo.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrItemNotFound) || m.fallback == nil {
		return item, err
	}
	return m.fallbackItem(id)
}

func (m *Manager) fallbackItem(id string) (*Item, error) {
	items, _ := m.fallback.List()
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, ErrItemNotFound
}

// List returns items in creation order
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	return m.repo.List(ctx, filter)
}

// Counts aggregates the queue by status, fallback items counted as pending
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	counts, err := m.repo.Counts(ctx)
	if err != nil {
		counts = Counts{Unsynced: make(map[Table]int)}
	}

	if m.fallback != nil {
		items, ferr := m.fallback.List()
		for _, item := range items {
			counts.add(item.Table, StatusPending, 1)
		}
		if err != nil && ferr == nil {
			m.logger.Warn("Queue counts from fallback store only", "error", err)
			return counts, nil
		}
	}

	return counts, err
}

// HasUnsynced reports whether table/entityID has queued writes the server
// has not acknowledged yet
func (m *Manager) HasUnsynced(ctx context.Context, table Table, entityID string) (bool, error) {
	if m.fallback != nil {
		items, _ := m.fallback.List()
		for _, item := range items {
			if item.Table == table && item.EntityID == entityID {
				return true, nil
			}
		}
	}

	n, err := m.repo.CountUnsyncedForEntity(ctx, table, entityID, "")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasOlderUnsynced reports whether an item created before item touches the
// same record and has not synced yet. Writes to one record reach the server
// in the order they were made.
func (m *Manager) HasOlderUnsynced(ctx context.Context, item *Item) (bool, error) {
	if item.EntityID == "" {
		return false, nil
	}
	n, err := m.repo.CountUnsyncedBefore(ctx, item)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseInFlight moves a single syncing item back to pending
func (m *Manager) ReleaseInFlight(ctx context.Context, id string) error {
	return m.repo.Transition(ctx, id, []Status{StatusSyncing}, StatusPending, m.now())
}

// RetryFailed resets every failed item to pending
func (m *Manager) RetryFailed(ctx context.Context) (int64, error) {
	n, err := m.repo.ResetFailed(ctx, "", m.now())
	if err != nil {
		return 0, err
	}
	m.logger.Info("Reset failed queue items", "count", n)
	return n, nil
}

// Requeue resets a single failed item to pending
func (m *Manager) Requeue(ctx context.Context, id string) error {
	n, err := m.repo.ResetFailed(ctx, id, m.now())
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	item, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, StatusPending)
}

// Clear removes pending and failed items from both stores. Items being
// synced and synced items are kept.
func (m *Manager) Clear(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteByStatus(ctx, StatusPending, StatusFailed)
	if err != nil {
		return 0, err
	}

	if m.fallback != nil {
		removed, err := m.fallback.Clear()
		n += int64(removed)
		if err != nil {
			return n, err
		}
	}

	m.logger.Info("Cleared queue", "count", n)
	return n, nil
}

// RecoverInFlight resets items stuck in syncing after a crash
func (m *Manager) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := m.repo.RecoverInFlight(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Warn("Recovered in-flight queue items", "count", n)
	}
	return n, nil
}

// PurgeSynced deletes synced items older than olderThan
func (m *Manager) PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.repo.DeleteSyncedBefore(ctx, m.now().Add(-olderThan))
}

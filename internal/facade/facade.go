// Package facade is the API client runtimes use to write data and follow
// sync state. Writes go straight upstream when possible and are queued
// otherwise; a local copy is kept either way.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/notify"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
	"github.com/tildaslashalef/anchorsync/internal/sync"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

// ErrOffline is returned by operations that need the upstream while it is
// unreachable
var ErrOffline = errors.New("offline")

// Connectivity is the facade's view of upstream reachability.
// *sync.ConnectivityMonitor satisfies it.
type Connectivity interface {
	Online() bool
	Report(online bool)
	Probe(ctx context.Context) bool
}

// Drainer runs reconciliation. *sync.Reconciler satisfies it.
type Drainer interface {
	Drain(ctx context.Context, trigger sync.Trigger) (*sync.DrainResult, error)
	Trigger(t sync.Trigger)
	Running() bool
}

// DrainClock reports when the last drain completed
type DrainClock interface {
	LastDrainAt(ctx context.Context) (time.Time, error)
}

// Options bundles the facade's collaborators. Blobs and Clock may be nil.
type Options struct {
	Queue        *queue.Manager
	Records      records.Repository
	Blobs        *blob.Service
	Dispatcher   sync.Dispatcher
	Drainer      Drainer
	Connectivity Connectivity
	Hub          *notify.Hub
	Clock        DrainClock
}

// Facade implements the client-side sync operations
type Facade struct {
	queue        *queue.Manager
	records      records.Repository
	blobs        *blob.Service
	dispatcher   sync.Dispatcher
	drainer      Drainer
	connectivity Connectivity
	hub          *notify.Hub
	clock        DrainClock
	logger       *loggy.Logger
	now          func() time.Time
}

// New creates a facade
func New(opts Options, logger *loggy.Logger) *Facade {
	return &Facade{
		queue:        opts.Queue,
		records:      opts.Records,
		blobs:        opts.Blobs,
		dispatcher:   opts.Dispatcher,
		drainer:      opts.Drainer,
		connectivity: opts.Connectivity,
		hub:          opts.Hub,
		clock:        opts.Clock,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Write is a single create, update or delete from a client
type Write struct {
	Table     queue.Table     `json:"table"`
	Operation queue.Operation `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// WriteResult tells the client where its write went
type WriteResult struct {
	AppliedOnline bool               `json:"appliedOnline"`
	ItemID        string             `json:"itemId,omitempty"`
	EntityID      string             `json:"entityId"`
	SyncStatus    records.SyncStatus `json:"syncStatus"`
}

// WriteOrQueue applies w upstream when online and queues it otherwise. Any
// failure of the direct write, including losing the network mid-request,
// falls back to the queue. Only invalid input and a queue that cannot
// store the write are returned as errors.
func (f *Facade) WriteOrQueue(ctx context.Context, w Write) (*WriteResult, error) {
	if _, err := queue.ParseTable(string(w.Table)); err != nil {
		return nil, err
	}
	if _, err := queue.ParseOperation(string(w.Operation)); err != nil {
		return nil, err
	}

	p, err := queue.DecodePayload(w.Table, w.Payload)
	if err != nil {
		return nil, err
	}
	payload := w.Payload
	if w.Operation == queue.OpCreate && queue.AssignEntityID(p) {
		if payload, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
	}
	if err := p.Validate(w.Operation); err != nil {
		return nil, err
	}

	entityID := p.EntityID()
	logger := f.logger.With("table", w.Table, "operation", w.Operation, "entity_id", entityID)

	if err := f.storeLocal(ctx, w.Table, w.Operation, entityID, payload); err != nil {
		// the queue is the source of truth; a missing local copy only costs a badge
		logger.Warn("Failed to store local copy", "error", err)
	}

	// the direct attempt and the queued replay share one idempotency key, so
	// a write the server applied before the response was lost is not applied twice
	itemID := ulid.MutationID()

	if f.tryDirect(ctx, logger, itemID, w.Table, w.Operation, p, payload) {
		return &WriteResult{AppliedOnline: true, EntityID: entityID, SyncStatus: records.SyncSynced}, nil
	}

	itemID, err = f.queue.EnqueueWithID(ctx, itemID, w.Operation, w.Table, payload)
	if err != nil {
		return nil, fmt.Errorf("queueing write: %w", err)
	}

	logger.Info("Write queued", "item_id", itemID)
	return &WriteResult{ItemID: itemID, EntityID: entityID, SyncStatus: records.SyncPending}, nil
}

func (f *Facade) storeLocal(ctx context.Context, table queue.Table, op queue.Operation, id string, payload json.RawMessage) error {
	if op == queue.OpDelete {
		return f.records.Tombstone(ctx, string(table), id, f.now())
	}
	return f.records.Put(ctx, string(table), id, payload, f.now())
}

// tryDirect sends the write upstream and reports whether the server
// accepted it
func (f *Facade) tryDirect(ctx context.Context, logger *loggy.Logger, itemID string, table queue.Table, op queue.Operation, p queue.Payload, payload json.RawMessage) bool {
	if f.connectivity == nil || !f.connectivity.Online() {
		return false
	}

	// earlier writes to the same entity must reach the server first
	queued, err := f.queue.HasUnsynced(ctx, table, p.EntityID())
	if err != nil || queued {
		return false
	}

	if test, ok := p.(*queue.TestPayload); ok && test.PhotoBlobID != "" && test.FotoURL == "" {
		patched, ok := f.patchPhoto(ctx, test)
		if !ok {
			return false
		}
		payload = patched
	}

	m := sync.Mutation{
		Operation:      op,
		Table:          table,
		EntityID:       p.EntityID(),
		Payload:        payload,
		IdempotencyKey: itemID,
	}

	if err := f.dispatcher.Apply(ctx, m); err != nil {
		if errType, _ := sync.Classify(err); errType == sync.SyncErrorTypeNetwork {
			f.connectivity.Report(false)
		}
		logger.Info("Direct write failed, queueing", "error", err)
		return false
	}

	if op == queue.OpDelete {
		err = f.records.Delete(ctx, string(table), p.EntityID())
	} else {
		err = f.records.MarkSynced(ctx, string(table), p.EntityID(), f.now())
	}
	if err != nil {
		logger.Warn("Failed to update local copy after direct write", "error", err)
	}

	logger.Debug("Write applied online")
	return true
}

// patchPhoto fills fotoUrl when the referenced photo is already uploaded
func (f *Facade) patchPhoto(ctx context.Context, test *queue.TestPayload) (json.RawMessage, bool) {
	if f.blobs == nil {
		return nil, false
	}

	remoteURL, uploaded, err := f.blobs.Resolve(ctx, test.PhotoBlobID)
	if err != nil || !uploaded {
		return nil, false
	}

	patched := *test
	patched.FotoURL = remoteURL
	data, err := json.Marshal(&patched)
	if err != nil {
		return nil, false
	}
	return data, true
}

// PendingCounts is the number of unacknowledged writes per table
type PendingCounts struct {
	Points int `json:"points"`
	Tests  int `json:"tests"`
	Total  int `json:"total"`
}

// GetPendingCounts counts queued writes not yet synced, fallback items
// included
func (f *Facade) GetPendingCounts(ctx context.Context) (PendingCounts, error) {
	counts, err := f.queue.Counts(ctx)
	if err != nil {
		return PendingCounts{}, err
	}

	return PendingCounts{
		Points: counts.Unsynced[queue.TablePoints],
		Tests:  counts.Unsynced[queue.TableTests],
		Total:  counts.TotalUnsynced(),
	}, nil
}

// ForceSyncNow drains the queue immediately. It fails with ErrOffline when
// the upstream cannot be reached.
func (f *Facade) ForceSyncNow(ctx context.Context) (*sync.DrainResult, error) {
	if f.connectivity != nil && !f.connectivity.Online() && !f.connectivity.Probe(ctx) {
		f.broadcast(sync.EventSyncFailed, map[string]any{"error": ErrOffline.Error()})
		return nil, ErrOffline
	}
	return f.drainer.Drain(ctx, sync.TriggerManual)
}

// NotifyForeground tells the reconciler a client came back to the
// foreground. It reports whether a drain was requested.
func (f *Facade) NotifyForeground(ctx context.Context) bool {
	if f.connectivity != nil && !f.connectivity.Online() {
		return false
	}
	f.drainer.Trigger(sync.TriggerForeground)
	return true
}

// Subscribe registers fn for reconciliation events
func (f *Facade) Subscribe(fn func(notify.Event)) func() {
	return f.hub.Subscribe(fn)
}

// GetRecord returns the local copy of table/id
func (f *Facade) GetRecord(ctx context.Context, table queue.Table, id string) (*records.Record, error) {
	if _, err := queue.ParseTable(string(table)); err != nil {
		return nil, err
	}
	return f.records.Get(ctx, string(table), id)
}

// ListRecords returns the live local copies of table
func (f *Facade) ListRecords(ctx context.Context, table queue.Table) ([]*records.Record, error) {
	if _, err := queue.ParseTable(string(table)); err != nil {
		return nil, err
	}
	return f.records.List(ctx, string(table))
}

// CapturePhoto stores a photo for upload on the next drain
func (f *Facade) CapturePhoto(ctx context.Context, c blob.Capture) (*blob.CaptureResult, error) {
	if f.blobs == nil {
		return nil, fmt.Errorf("photo capture not configured")
	}
	return f.blobs.Capture(ctx, c)
}

// ClearPending drops every pending and failed write
func (f *Facade) ClearPending(ctx context.Context) (int64, error) {
	return f.queue.Clear(ctx)
}

// RetryFailed resets failed writes and requests a drain when online
func (f *Facade) RetryFailed(ctx context.Context) (int64, error) {
	n, err := f.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}

	// photos the queued tests wait on get a fresh set of attempts too
	var photos int64
	if f.blobs != nil {
		if photos, err = f.blobs.ResetFailed(ctx); err != nil {
			return n, fmt.Errorf("resetting photo uploads: %w", err)
		}
	}

	if n+photos > 0 && (f.connectivity == nil || f.connectivity.Online()) {
		f.drainer.Trigger(sync.TriggerManual)
	}
	return n, nil
}

// Status is a snapshot of the agent's sync state
type Status struct {
	Online      bool          `json:"online"`
	Draining    bool          `json:"draining"`
	Pending     PendingCounts `json:"pending"`
	Queue       queue.Counts  `json:"queue"`
	Photos      blob.Counts   `json:"photos"`
	LastDrainAt *time.Time    `json:"lastDrainAt,omitempty"`
}

// Status reports queue, photo and connectivity state
func (f *Facade) Status(ctx context.Context) (*Status, error) {
	counts, err := f.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	s := &Status{
		Online:   f.connectivity == nil || f.connectivity.Online(),
		Draining: f.drainer.Running(),
		Queue:    counts,
		Pending: PendingCounts{
			Points: counts.Unsynced[queue.TablePoints],
			Tests:  counts.Unsynced[queue.TableTests],
			Total:  counts.TotalUnsynced(),
		},
	}

	if f.blobs != nil {
		if s.Photos, err = f.blobs.Counts(ctx); err != nil {
			return nil, err
		}
	}

	if f.clock != nil {
		last, err := f.clock.LastDrainAt(ctx)
		if err != nil {
			f.logger.Warn("Failed to read last drain time", "error", err)
		} else if !last.IsZero() {
			s.LastDrainAt = &last
		}
	}

	return s, nil
}

func (f *Facade) broadcast(eventType string, data any) {
	if f.hub != nil {
		f.hub.Broadcast(eventType, data)
	}
}

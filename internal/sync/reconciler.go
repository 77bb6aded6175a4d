package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
	"golang.org/x/time/rate"
)

// Dispatcher sends a mutation upstream. *Client satisfies it.
type Dispatcher interface {
	Apply(ctx context.Context, m Mutation) error
}

// DrainRecorder remembers when the last drain finished
type DrainRecorder interface {
	SetLastDrainAt(ctx context.Context, t time.Time) error
}

// Reconciler drains the mutation queue, one item at a time, in creation
// order. Only one drain runs at once; a drain requested meanwhile is
// coalesced into the running one.
type Reconciler struct {
	db         *database.DB
	queue      *queue.Manager
	blobs      *blob.Service
	dispatcher Dispatcher
	logs       Repository
	recorder   DrainRecorder
	notifier   Notifier
	limiter    *rate.Limiter
	schedule   RetrySchedule
	cfg        config.SyncConfig
	logger     *loggy.Logger

	running  atomic.Bool
	triggers chan Trigger
	now      func() time.Time
}

// Options bundles a Reconciler's collaborators. Blobs, Recorder and
// Notifier may be nil.
type Options struct {
	DB         *database.DB
	Queue      *queue.Manager
	Blobs      *blob.Service
	Dispatcher Dispatcher
	Recorder   DrainRecorder
	Notifier   Notifier
}

// NewReconciler creates a reconciler
func NewReconciler(opts Options, cfg config.SyncConfig, logger *loggy.Logger) *Reconciler {
	return &Reconciler{
		db:         opts.DB,
		queue:      opts.Queue,
		blobs:      opts.Blobs,
		dispatcher: opts.Dispatcher,
		logs:       NewSQLRepository(opts.DB, logger),
		recorder:   opts.Recorder,
		notifier:   opts.Notifier,
		limiter:    newLimiter(cfg.RequestsPerMinute, cfg.Burst),
		schedule:   RetrySchedule{Initial: cfg.RetryInitial, Max: cfg.RetryMaxInterval},
		cfg:        cfg,
		logger:     logger,
		triggers:   make(chan Trigger, 1),
		now:        time.Now,
	}
}

// helper function to create a rate limiter from RPM and Burst
func newLimiter(rpm, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// SetClock replaces the time source
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Logs returns the sync log repository
func (r *Reconciler) Logs() Repository {
	return r.logs
}

// Running reports whether a drain is in progress
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Recover moves items stranded in syncing by a crash back to pending
func (r *Reconciler) Recover(ctx context.Context) error {
	n, err := r.queue.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight items: %w", err)
	}
	if n > 0 {
		r.logger.Warn("Recovered items interrupted mid-sync", "count", n)
	}
	return nil
}

// Drain pushes every pending item and every failed item due for retry to
// the server
func (r *Reconciler) Drain(ctx context.Context, trigger Trigger) (*DrainResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("Drain already running, coalescing", "trigger", trigger)
		return &DrainResult{Trigger: trigger, Coalesced: true}, nil
	}
	defer r.running.Store(false)

	if r.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DrainTimeout)
		defer cancel()
	}
	// bookkeeping must land even when the drain deadline has passed
	bookCtx := context.WithoutCancel(ctx)

	start := r.now()
	result := &DrainResult{Trigger: trigger}
	drainLog := NewSyncLog(trigger, "", "", start)

	r.drainBlobs(ctx, result)

	items, err := r.collect(ctx)
	if err != nil {
		errType, _ := Classify(err)
		drainLog.MarkFailed(errType, err.Error(), r.now())
		r.appendLog(bookCtx, drainLog)
		r.broadcast(EventSyncFailed, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("collecting queue items: %w", err)
	}

	for i, item := range items {
		if err := r.limiter.Wait(ctx); err != nil {
			result.Skipped += len(items) - i
			r.logger.Warn("Drain stopped early", "error", err, "remaining", len(items)-i)
			break
		}
		r.process(ctx, bookCtx, trigger, item, result)
	}

	result.Duration = r.now().Sub(start)
	if result.Failed == 0 {
		drainLog.MarkSuccessful(result.Synced, r.now())
	} else {
		drainLog.MarkFailed(SyncErrorTypeUnknown, fmt.Sprintf("%d of %d items failed", result.Failed, len(items)), r.now())
		drainLog.ItemsSynced = result.Synced
	}
	r.appendLog(bookCtx, drainLog)

	if r.recorder != nil {
		if err := r.recorder.SetLastDrainAt(bookCtx, r.now()); err != nil {
			r.logger.Warn("Failed to record drain time", "error", err)
		}
	}

	if r.cfg.SyncedRetention > 0 {
		if n, err := r.queue.PurgeSynced(bookCtx, r.cfg.SyncedRetention); err != nil {
			r.logger.Warn("Failed to purge synced items", "error", err)
		} else if n > 0 {
			r.logger.Debug("Purged synced items", "count", n)
		}
	}

	r.logger.Info("Drain completed",
		"trigger", trigger,
		"synced", result.Synced,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"blobs_uploaded", result.BlobsUploaded,
		"duration", result.Duration)

	r.broadcast(EventSyncCompleted, map[string]any{"synced": result.Synced, "failed": result.Failed})
	return result, nil
}

// drainBlobs uploads captured photos before any mutation that may
// reference them
func (r *Reconciler) drainBlobs(ctx context.Context, result *DrainResult) {
	if r.blobs == nil {
		return
	}

	up, err := r.blobs.UploadPending(ctx, r.limiter.Wait)
	result.BlobsUploaded = up.Uploaded
	result.BlobsFailed = len(up.Failures)
	if err != nil {
		r.logger.Warn("Photo upload pass stopped", "error", err)
	}
}

// collect returns pending items plus failed items due for retry, in
// creation order
func (r *Reconciler) collect(ctx context.Context) ([]*queue.Item, error) {
	items, err := r.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	if r.cfg.AutoRetry {
		retryable, err := r.queue.ListRetryable(ctx, r.now(), r.cfg.MaxRetries)
		if err != nil {
			return nil, err
		}
		items = append(items, retryable...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *Reconciler) process(ctx, bookCtx context.Context, trigger Trigger, item *queue.Item, result *DrainResult) {
	logger := r.logger.With("item_id", item.ID, "table", item.Table, "operation", item.Operation)
	started := r.now()

	// an earlier write to the same record goes first, even when it failed
	blocked, err := r.queue.HasOlderUnsynced(bookCtx, item)
	if err != nil {
		logger.Warn("Skipping item, ordering check failed", "error", err)
		result.Skipped++
		return
	}
	if blocked {
		logger.Debug("Skipping item behind an unsynced write to the same record", "entity_id", item.EntityID)
		result.Skipped++
		return
	}

	if err := r.queue.UpdateStatus(bookCtx, item.ID, queue.StatusSyncing); err != nil {
		// removed or reset by the user since it was listed
		logger.Debug("Skipping item", "error", err)
		result.Skipped++
		return
	}

	m := MutationFromItem(item)
	payload, err := r.resolveBlobs(ctx, item)
	if err == nil {
		m.Payload = payload
		err = r.dispatcher.Apply(ctx, m)
	}

	if err != nil {
		r.fail(bookCtx, logger, trigger, item, started, err)
		result.Failed++
		return
	}

	if err := r.markSynced(bookCtx, trigger, item, started); err != nil {
		// the server has the write; a retry is deduplicated by its idempotency key
		r.fail(bookCtx, logger, trigger, item, started, err)
		result.Failed++
		return
	}

	logger.Debug("Item synced")
	result.Synced++
}

// resolveBlobs patches a test's fotoUrl from its uploaded photo
func (r *Reconciler) resolveBlobs(ctx context.Context, item *queue.Item) (json.RawMessage, error) {
	if item.Table != queue.TableTests || item.Operation == queue.OpDelete {
		return item.Payload, nil
	}

	p, err := item.Decode()
	if err != nil {
		return nil, err
	}
	test := p.(*queue.TestPayload)
	if test.PhotoBlobID == "" || test.FotoURL != "" {
		return item.Payload, nil
	}
	if r.blobs == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobDependency, test.PhotoBlobID)
	}

	remoteURL, uploaded, err := r.blobs.Resolve(ctx, test.PhotoBlobID)
	if err != nil {
		return nil, fmt.Errorf("resolving photo %s: %w", test.PhotoBlobID, err)
	}
	if !uploaded {
		return nil, fmt.Errorf("%w: %s", ErrBlobDependency, test.PhotoBlobID)
	}

	test.FotoURL = remoteURL
	patched, err := json.Marshal(test)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return patched, nil
}

// markSynced commits the synced status, the log row and the local record
// update in one transaction
func (r *Reconciler) markSynced(ctx context.Context, trigger Trigger, item *queue.Item, started time.Time) error {
	now := r.now()
	entry := NewSyncLog(trigger, item.ID, string(item.Table), started)
	entry.MarkSuccessful(1, now)

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		queueRepo := queue.NewSQLRepository(tx, r.logger)
		if err := queueRepo.Transition(ctx, item.ID, []queue.Status{queue.StatusSyncing}, queue.StatusSynced, now); err != nil {
			return err
		}

		if err := NewSQLRepository(tx, r.logger).CreateSyncLog(ctx, entry); err != nil {
			return err
		}

		if item.EntityID == "" {
			return nil
		}

		// a later local write keeps the record pending
		later, err := queueRepo.CountUnsyncedForEntity(ctx, item.Table, item.EntityID, item.ID)
		if err != nil {
			return err
		}
		if later > 0 {
			return nil
		}

		recs := records.NewSQLRepository(tx, r.logger)
		if item.Operation == queue.OpDelete {
			err = recs.Delete(ctx, string(item.Table), item.EntityID)
		} else {
			err = recs.MarkSynced(ctx, string(item.Table), item.EntityID, now)
		}
		if errors.Is(err, records.ErrRecordNotFound) {
			return nil
		}
		return err
	})
}

func (r *Reconciler) fail(ctx context.Context, logger *loggy.Logger, trigger Trigger, item *queue.Item, started time.Time, cause error) {
	errType, retryable := Classify(cause)

	var next *time.Time
	if retryable {
		t := r.schedule.NextRetryAt(r.now(), item.RetryCount)
		next = &t
	}

	r.recordFailure(ctx, logger, item, cause, retryable, next)

	entry := NewSyncLog(trigger, item.ID, string(item.Table), started)
	entry.MarkFailed(errType, cause.Error(), r.now())
	r.appendLog(ctx, entry)

	attempts := item.RetryCount + 1
	switch {
	case !retryable:
		logger.Warn("Item rejected permanently", "error_type", errType, "error", cause)
	case attempts >= r.cfg.MaxRetries:
		logger.Warn("Item exhausted automatic retries", "attempts", attempts, "error", cause)
	default:
		logger.Info("Item failed, will retry", "error_type", errType, "attempts", attempts, "next_retry_at", next, "error", cause)
	}
}

// recordFailure marks item failed, trying twice. An item that cannot be
// marked is released back to pending so it is not stranded in syncing
// until the next restart.
func (r *Reconciler) recordFailure(ctx context.Context, logger *loggy.Logger, item *queue.Item, cause error, retryable bool, next *time.Time) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.queue.MarkFailed(ctx, item.ID, cause.Error(), retryable, next)
		if err == nil || errors.Is(err, queue.ErrItemNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			return
		}
		logger.Warn("Failed to record item failure", "attempt", attempt+1, "error", err)
	}

	if rerr := r.queue.ReleaseInFlight(ctx, item.ID); rerr != nil {
		logger.Error("Item left in syncing until recovery", "error", errors.Join(err, rerr), "cause", cause)
		return
	}
	logger.Warn("Released item to pending after failing to record its failure", "error", err, "cause", cause)
}

func (r *Reconciler) appendLog(ctx context.Context, entry *SyncLog) {
	if err := r.logs.CreateSyncLog(ctx, entry); err != nil {
		r.logger.Warn("Failed to write sync log", "error", err)
	}
}

func (r *Reconciler) broadcast(eventType string, data any) {
	if r.notifier != nil {
		r.notifier.Broadcast(eventType, data)
	}
}

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
)

type received struct {
	Method         string
	Path           string
	IdempotencyKey string
	Body           []byte
}

// upstream is a scripted application server
type upstream struct {
	mu       gosync.Mutex
	requests []received
	status   int
	byMethod map[string]int
	block    chan struct{}
	arrived  chan struct{}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.requests = append(u.requests, received{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Body:           body,
	})
	status, block, arrived := u.status, u.block, u.arrived
	if code, ok := u.byMethod[r.Method]; ok {
		status = code
	}
	u.mu.Unlock()

	if arrived != nil {
		select {
		case arrived <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"message":"scripted"}`))
}

func (u *upstream) setStatus(code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = code
}

func (u *upstream) setMethodStatus(method string, code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.byMethod == nil {
		u.byMethod = make(map[string]int)
	}
	u.byMethod[method] = code
}

func (u *upstream) received() []received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]received(nil), u.requests...)
}

type event struct {
	Type string
	Data any
}

type eventRecorder struct {
	mu     gosync.Mutex
	events []event
	ch     chan event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan event, 16)}
}

func (e *eventRecorder) Broadcast(eventType string, data any) {
	e.mu.Lock()
	e.events = append(e.events, event{eventType, data})
	e.mu.Unlock()
	select {
	case e.ch <- event{eventType, data}:
	default:
	}
}

func (e *eventRecorder) wait(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return event{}
	}
}

type stubUploader struct {
	err error
}

func (s *stubUploader) Upload(_ context.Context, obj blob.Object) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.example.com/" + obj.Key(), nil
}

type fixture struct {
	db         *database.DB
	client     *Client
	queue      *queue.Manager
	blobs      *blob.Service
	records    *records.SQLRepository
	upstream   *upstream
	events     *eventRecorder
	uploader   *stubUploader
	reconciler *Reconciler
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		AutoRetry:        true,
		MaxRetries:       3,
		RetryInitial:     time.Minute,
		RetryMaxInterval: time.Hour,
		Burst:            1,
		DrainTimeout:     time.Minute,
	}
}

func setupReconciler(t *testing.T) *fixture {
	t.Helper()
	logger := loggy.NewNoopLogger()
	db := dbtest.New(t)

	up := &upstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	f := &fixture{
		db:       db,
		queue:    queue.NewManager(queue.NewSQLRepository(db, logger), nil, logger),
		records:  records.NewSQLRepository(db, logger),
		upstream: up,
		events:   newEventRecorder(),
		uploader: &stubUploader{},
	}
	f.blobs = blob.NewService(blob.NewSQLRepository(db, logger), f.uploader, 1<<20, logger)
	f.blobs.SetRetryPolicy(UploadRetryPolicy(testSyncConfig()))
	f.client = NewClient(config.ServerConfig{URL: srv.URL, Timeout: 5 * time.Second}, logger)
	f.useQueue(f.queue)
	return f
}

// useQueue rebuilds the reconciler around qm
func (f *fixture) useQueue(qm *queue.Manager) {
	f.queue = qm
	f.reconciler = NewReconciler(Options{
		DB:         f.db,
		Queue:      qm,
		Blobs:      f.blobs,
		Dispatcher: f.client,
		Notifier:   f.events,
	}, testSyncConfig(), loggy.NewNoopLogger())
}

func (f *fixture) enqueuePoint(t *testing.T, numero string) *queue.Item {
	t.Helper()
	payload, err := json.Marshal(queue.PointPayload{ProjectID: "proj-1", NumeroPonto: numero})
	require.NoError(t, err)

	id, err := f.queue.Enqueue(context.Background(), queue.OpCreate, queue.TablePoints, payload)
	require.NoError(t, err)

	item, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestDrainSyncsEveryItemInCreationOrder(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()

	var ids []string
	for _, n := range []string{"P-1", "P-2", "P-3", "P-4", "P-5"} {
		ids = append(ids, f.enqueuePoint(t, n).ID)
	}

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Synced)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Coalesced)

	var keys []string
	for _, req := range f.upstream.received() {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/sync/points", req.Path)
		keys = append(keys, req.IdempotencyKey)
	}
	assert.Equal(t, ids, keys)

	for _, id := range ids {
		item, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusSynced, item.Status)
	}

	syncing, err := f.queue.List(ctx, queue.ListFilter{Status: queue.StatusSyncing})
	require.NoError(t, err)
	assert.Empty(t, syncing)

	ev := f.events.wait(t)
	assert.Equal(t, EventSyncCompleted, ev.Type)
	assert.Equal(t, map[string]any{"synced": 5, "failed": 0}, ev.Data)

	logs, err := f.reconciler.Logs().GetSyncLogs(ctx, LogFilter{DrainsOnly: true})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 5, logs[0].ItemsSynced)
}

func TestDrainRetryableFailure(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.upstream.setStatus(http.StatusServiceUnavailable)

	item := f.enqueuePoint(t, "P-1")
	now := time.Now()
	f.reconciler.SetClock(func() time.Time { return now })

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.True(t, got.Retryable)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, now.Add(time.Minute), *got.NextRetryAt, time.Second)

	// not due yet
	result, err = f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed+result.Synced)
	assert.Len(t, f.upstream.received(), 1)

	later := now.Add(2 * time.Minute)
	f.reconciler.SetClock(func() time.Time { return later })
	result, err = f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err = f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status, "never returns to pending on its own")
	assert.Equal(t, 2, got.RetryCount)
	assert.WithinDuration(t, later.Add(2*time.Minute), *got.NextRetryAt, time.Second)

	logs, err := f.reconciler.Logs().GetSyncLogs(ctx, LogFilter{ItemID: item.ID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, SyncErrorTypeServer, logs[0].ErrorType)
}

func TestDrainStopsAtRetryCap(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.upstream.setStatus(http.StatusBadGateway)
	item := f.enqueuePoint(t, "P-1")

	now := time.Now()
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 3 * time.Hour)
		f.reconciler.SetClock(func() time.Time { return at })
		_, err := f.reconciler.Drain(ctx, TriggerPeriodic)
		require.NoError(t, err)
	}

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Len(t, f.upstream.received(), 3)
}

func TestDrainPermanentFailure(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.upstream.setStatus(http.StatusUnprocessableEntity)
	item := f.enqueuePoint(t, "P-1")

	_, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.False(t, got.Retryable)
	assert.Nil(t, got.NextRetryAt)

	later := time.Now().Add(24 * time.Hour)
	f.reconciler.SetClock(func() time.Time { return later })
	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed)
	assert.Len(t, f.upstream.received(), 1)

	// an explicit reset makes it eligible again
	f.upstream.setStatus(http.StatusOK)
	_, err = f.queue.RetryFailed(ctx)
	require.NoError(t, err)
	result, err = f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestConcurrentDrainsCoalesce(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.enqueuePoint(t, "P-1")

	release := make(chan struct{})
	f.upstream.mu.Lock()
	f.upstream.block = release
	f.upstream.arrived = make(chan struct{}, 1)
	arrived := f.upstream.arrived
	f.upstream.mu.Unlock()

	done := make(chan *DrainResult, 1)
	go func() {
		result, err := f.reconciler.Drain(ctx, TriggerManual)
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never reached the server")
	}
	assert.True(t, f.reconciler.Running())

	second, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.True(t, second.Coalesced)

	close(release)
	first := <-done
	assert.False(t, first.Coalesced)
	assert.Equal(t, 1, first.Synced)
	assert.Len(t, f.upstream.received(), 1)
}

func TestDrainPatchesUploadedPhoto(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()

	capture, err := f.blobs.Capture(ctx, blob.Capture{OwnerTable: "tests", Filename: "anchor.jpg", Data: []byte("jpeg")})
	require.NoError(t, err)

	payload, _ := json.Marshal(queue.TestPayload{PointID: "pt-1", Resultado: queue.ResultadoAprovado, PhotoBlobID: capture.ID})
	id, err := f.queue.Enqueue(ctx, queue.OpCreate, queue.TableTests, payload)
	require.NoError(t, err)

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsUploaded)
	assert.Equal(t, 1, result.Synced)

	reqs := f.upstream.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].IdempotencyKey)

	var sent queue.TestPayload
	require.NoError(t, json.Unmarshal(reqs[0].Body, &sent))
	assert.Equal(t, "https://cdn.example.com/"+capture.ID+"-anchor.jpg", sent.FotoURL)
}

func TestDrainWaitsForPhotoUpload(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.uploader.err = &blob.UploadError{StatusCode: http.StatusServiceUnavailable, Message: "busy"}

	capture, err := f.blobs.Capture(ctx, blob.Capture{Filename: "anchor.jpg", Data: []byte("jpeg")})
	require.NoError(t, err)

	payload, _ := json.Marshal(queue.TestPayload{PointID: "pt-1", Resultado: queue.ResultadoReprovado, PhotoBlobID: capture.ID})
	id, err := f.queue.Enqueue(ctx, queue.OpCreate, queue.TableTests, payload)
	require.NoError(t, err)

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsFailed)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, f.upstream.received(), "no mutation may reference a missing photo")

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.Retryable)
	assert.Contains(t, item.LastError, ErrBlobDependency.Error())
}

func TestDrainMarksLocalRecordSynced(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := f.enqueuePoint(t, "P-1")
	require.NoError(t, f.records.Put(ctx, "points", item.EntityID, item.Payload, now))

	_, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	rec, err := f.records.Get(ctx, "points", item.EntityID)
	require.NoError(t, err)
	assert.Equal(t, records.SyncSynced, rec.SyncStatus)

	// a synced delete drops the tombstone
	require.NoError(t, f.records.Tombstone(ctx, "points", item.EntityID, now))
	payload, _ := json.Marshal(queue.PointPayload{ID: item.EntityID})
	_, err = f.queue.Enqueue(ctx, queue.OpDelete, queue.TablePoints, payload)
	require.NoError(t, err)

	_, err = f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	_, err = f.records.Get(ctx, "points", item.EntityID)
	assert.ErrorIs(t, err, records.ErrRecordNotFound)

	reqs := f.upstream.received()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodDelete, reqs[1].Method)
	assert.Equal(t, "/sync/points/"+item.EntityID, reqs[1].Path)
}

func TestDrainKeepsRecordPendingWhileLaterWritesQueued(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.upstream.setMethodStatus(http.MethodPut, http.StatusServiceUnavailable)

	item := f.enqueuePoint(t, "P-1")
	require.NoError(t, f.records.Put(ctx, "points", item.EntityID, item.Payload, time.Now()))
	payload, _ := json.Marshal(queue.PointPayload{ID: item.EntityID, Localizacao: "Roof"})
	updateID, err := f.queue.Enqueue(ctx, queue.OpUpdate, queue.TablePoints, payload)
	require.NoError(t, err)

	// the create syncs, the update behind it does not
	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)

	update, err := f.queue.Get(ctx, updateID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, update.Status)

	rec, err := f.records.Get(ctx, "points", item.EntityID)
	require.NoError(t, err)
	assert.Equal(t, records.SyncPending, rec.SyncStatus)
}

func TestDrainHoldsLaterWritesBehindFailedCreate(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.upstream.setStatus(http.StatusServiceUnavailable)
	now := time.Now()
	f.reconciler.SetClock(func() time.Time { return now })

	create := f.enqueuePoint(t, "P-1")
	payload, _ := json.Marshal(queue.PointPayload{ID: create.EntityID, Localizacao: "Roof"})
	updateID, err := f.queue.Enqueue(ctx, queue.OpUpdate, queue.TablePoints, payload)
	require.NoError(t, err)

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Synced)

	reqs := f.upstream.received()
	require.Len(t, reqs, 1, "the update must not overtake its create")
	assert.Equal(t, http.MethodPost, reqs[0].Method)

	update, err := f.queue.Get(ctx, updateID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, update.Status)
	assert.Equal(t, 0, update.RetryCount)

	// once the create is due and accepted, both go out in order
	f.upstream.setStatus(http.StatusOK)
	later := now.Add(2 * time.Minute)
	f.reconciler.SetClock(func() time.Time { return later })

	result, err = f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	var methods []string
	for _, req := range f.upstream.received() {
		methods = append(methods, req.Method)
	}
	assert.Equal(t, []string{http.MethodPost, http.MethodPost, http.MethodPut}, methods)
}

func TestDrainFailsTestWhenPhotoAbandoned(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	f.uploader.err = &blob.UploadError{StatusCode: http.StatusUnprocessableEntity, Message: "not an image"}

	capture, err := f.blobs.Capture(ctx, blob.Capture{Filename: "anchor.jpg", Data: []byte("jpeg")})
	require.NoError(t, err)

	payload, _ := json.Marshal(queue.TestPayload{PointID: "pt-1", Resultado: queue.ResultadoAprovado, PhotoBlobID: capture.ID})
	id, err := f.queue.Enqueue(ctx, queue.OpCreate, queue.TableTests, payload)
	require.NoError(t, err)

	result, err := f.reconciler.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsFailed)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, f.upstream.received())

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, item.Retryable)
	assert.Contains(t, item.LastError, blob.ErrUploadAbandoned.Error())
}

// lockedQueueRepo fails the next failures calls to MarkFailed
type lockedQueueRepo struct {
	*queue.SQLRepository
	failures atomic.Int32
}

func (r *lockedQueueRepo) MarkFailed(ctx context.Context, id string, cause string, retryable bool, next *time.Time, now time.Time) error {
	if r.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return r.SQLRepository.MarkFailed(ctx, id, cause, retryable, next, now)
}

func TestFailureBookkeepingNeverStrandsItems(t *testing.T) {
	testCases := []struct {
		name       string
		failures   int32
		wantStatus queue.Status
		wantCount  int
	}{
		{"second attempt records the failure", 1, queue.StatusFailed, 1},
		{"item released when both attempts fail", 2, queue.StatusPending, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupReconciler(t)
			ctx := context.Background()
			logger := loggy.NewNoopLogger()

			repo := &lockedQueueRepo{SQLRepository: queue.NewSQLRepository(f.db, logger)}
			repo.failures.Store(tc.failures)
			f.useQueue(queue.NewManager(repo, nil, logger))
			f.upstream.setStatus(http.StatusServiceUnavailable)

			item := f.enqueuePoint(t, "P-1")
			result, err := f.reconciler.Drain(ctx, TriggerManual)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Failed)

			got, err := f.queue.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantCount, got.RetryCount)

			syncing, err := f.queue.List(ctx, queue.ListFilter{Status: queue.StatusSyncing})
			require.NoError(t, err)
			assert.Empty(t, syncing)
		})
	}
}

func TestRecoverResetsInFlightItems(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()

	item := f.enqueuePoint(t, "P-1")
	require.NoError(t, f.queue.UpdateStatus(ctx, item.ID, queue.StatusSyncing))

	require.NoError(t, f.reconciler.Recover(ctx))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
}

type staticOnline bool

func (s staticOnline) Online() bool { return bool(s) }

func TestRunDrainsOnTrigger(t *testing.T) {
	f := setupReconciler(t)
	ctx, cancel := context.WithCancel(context.Background())

	stuck := f.enqueuePoint(t, "P-0")
	require.NoError(t, f.queue.UpdateStatus(ctx, stuck.ID, queue.StatusSyncing))

	done := make(chan error, 1)
	go func() { done <- f.reconciler.Run(ctx, staticOnline(true)) }()

	startup := f.events.wait(t)
	assert.Equal(t, EventSyncCompleted, startup.Type)
	assert.Equal(t, map[string]any{"synced": 1, "failed": 0}, startup.Data)

	f.enqueuePoint(t, "P-1")
	f.reconciler.Trigger(TriggerForeground)

	ev := f.events.wait(t)
	assert.Equal(t, map[string]any{"synced": 1, "failed": 0}, ev.Data)

	cancel()
	require.NoError(t, <-done)
}

func TestRunSkipsDrainsWhileOffline(t *testing.T) {
	f := setupReconciler(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.enqueuePoint(t, "P-1")

	done := make(chan error, 1)
	go func() { done <- f.reconciler.Run(ctx, staticOnline(false)) }()

	f.reconciler.Trigger(TriggerPeriodic)
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, f.upstream.received())
	counts, err := f.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
}

func TestNewLimiter(t *testing.T) {
	unlimited := newLimiter(0, 0)
	assert.Equal(t, 1, unlimited.Burst())
	assert.True(t, unlimited.Allow())
	assert.True(t, unlimited.Allow())

	paced := newLimiter(60, 2)
	assert.Equal(t, 2, paced.Burst())
	assert.InDelta(t, 1.0, float64(paced.Limit()), 0.0001)
}

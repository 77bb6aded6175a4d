package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/notify"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
	"github.com/tildaslashalef/anchorsync/internal/sync"
)

type offlineNetwork struct {
	online atomic.Bool
}

func (n *offlineNetwork) Online() bool { return n.online.Load() }
func (n *offlineNetwork) Report(online bool) { n.online.Store(online) }
func (n *offlineNetwork) Probe(ctx context.Context) bool { return n.online.Load() }

type nopUploader struct{}

func (nopUploader) Upload(_ context.Context, obj blob.Object) (string, error) {
	return "https://cdn.example.com/" + obj.Key(), nil
}

func setupServer(t *testing.T) (*Server, *notify.Hub) {
	t.Helper()
	logger := loggy.NewNoopLogger()
	db := dbtest.New(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	qm := queue.NewManager(queue.NewSQLRepository(db, logger), nil, logger)
	blobs := blob.NewService(blob.NewSQLRepository(db, logger), nopUploader{}, 1024, logger)
	hub := notify.NewHub(logger)
	client := sync.NewClient(config.ServerConfig{URL: upstream.URL, Timeout: time.Second}, logger)
	reconciler := sync.NewReconciler(sync.Options{DB: db, Queue: qm, Blobs: blobs, Dispatcher: client, Notifier: hub},
		config.SyncConfig{MaxRetries: 3, RetryInitial: time.Second, RetryMaxInterval: time.Minute, Burst: 1, DrainTimeout: time.Minute}, logger)

	f := facade.New(facade.Options{
		Queue:        qm,
		Records:      records.NewSQLRepository(db, logger),
		Blobs:        blobs,
		Dispatcher:   client,
		Drainer:      reconciler,
		Connectivity: &offlineNetwork{},
		Hub:          hub,
	}, logger)

	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proxied", "yes")
		_, _ = w.Write([]byte("proxied " + r.URL.Path))
	})

	return New(config.ProxyConfig{ListenAddr: "127.0.0.1:0"}, f, hub, proxy, 1024, logger), hub
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWriteAndRead(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/_sync/write",
		[]byte(`{"table":"points","operation":"create","payload":{"projectId":"p1","numeroPonto":"A-1"}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var result facade.WriteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.AppliedOnline)
	assert.NotEmpty(t, result.EntityID)

	rec = do(t, h, http.MethodGet, "/_sync/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"points":1,"tests":0,"total":1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/_sync/records/points/"+result.EntityID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record records.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, records.SyncPending, record.SyncStatus)

	rec = do(t, h, http.MethodGet, "/_sync/records/points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []records.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/_sync/records/points/pt-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/_sync/records/users", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/_sync/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":1}`, rec.Body.String())
}

func TestWriteRejectsBadInput(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/_sync/write", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/_sync/write", []byte(`{"table":"tests","operation":"create","payload":{"pointId":"pt-1"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "resultado")
}

func TestSyncNowOffline(t *testing.T) {
	s, _ := setupServer(t)

	rec := do(t, s.Handler(), http.MethodPost, "/_sync/now", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["offline"])
	assert.Equal(t, "Network unavailable", body["error"])
}

func TestForegroundRetryStatus(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/_sync/foreground", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"triggered":false}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/_sync/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/_sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status facade.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Online)
	assert.Equal(t, 0, status.Pending.Total)
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", "anchor.jpg")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestPhotoCapture(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	body, contentType := multipartBody(t, map[string]string{"owner_table": "tests"}, []byte("jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/_sync/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result blob.CaptureResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, blob.KindBlob, result.Kind)
	assert.True(t, strings.HasPrefix(result.ID, "blob-"))

	body, contentType = multipartBody(t, map[string]string{"native_path": "/sdcard/DCIM/a.jpg"}, nil)
	req = httptest.NewRequest(http.MethodPost, "/_sync/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, blob.KindPhoto, result.Kind)

	body, contentType = multipartBody(t, nil, bytes.Repeat([]byte("x"), 2048))
	req = httptest.NewRequest(http.MethodPost, "/_sync/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	body, contentType = multipartBody(t, map[string]string{"owner_table": "tests"}, nil)
	req = httptest.NewRequest(http.MethodPost, "/_sync/photos", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesEverythingElseToProxy(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/points?project=1", nil)
	assert.Equal(t, "yes", rec.Header().Get("X-Proxied"))
	assert.Equal(t, "proxied /api/points", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/_sync/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Proxied"))
}

func TestServeAndWebsocket(t *testing.T) {
	s, hub := setupServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/_sync/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(sync.EventSyncFailed, map[string]any{"error": "offline"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, sync.EventSyncFailed, ev.Type)

	cancel()
	require.NoError(t, <-done)
}

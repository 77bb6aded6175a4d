package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/anchorsync/internal/app"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

func newTestCLI(t *testing.T, handler http.Handler) (*cli.App, *app.App) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("ENV_FILE_PATH", "")
	t.Setenv("ANCHORSYNC_SERVER_URL", srv.URL)
	t.Setenv("ANCHORSYNC_LOG_LEVEL", "error")
	t.Setenv("ANCHORSYNC_CACHE_SHELL_URLS", "/")

	a, err := app.New(context.Background(), app.Options{ConfigDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })

	cliApp := &cli.App{
		Name:     "anchorsync",
		Metadata: map[string]interface{}{"app": a},
		Commands: []*cli.Command{
			SyncCommand(),
			QueueCommand(),
			CacheCommand(),
			MigrateCommand(),
		},
	}
	return cliApp, a
}

func acceptAll() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

func enqueuePoint(t *testing.T, a *app.App) *facade.WriteResult {
	t.Helper()
	res, err := a.Facade.WriteOrQueue(context.Background(), facade.Write{
		Table:     queue.TablePoints,
		Operation: queue.OpCreate,
		Payload:   json.RawMessage(`{"numeroPonto":"P-7"}`),
	})
	require.NoError(t, err)
	require.False(t, res.AppliedOnline)
	return res
}

func TestSyncNowDrainsQueue(t *testing.T) {
	cliApp, a := newTestCLI(t, acceptAll())
	enqueuePoint(t, a)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "now"}))

	counts, err := a.Queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts.TotalUnsynced())
	assert.Equal(t, 1, counts.Synced)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "log", "--drains"}))
	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "status"}))
}

func TestSyncNowOffline(t *testing.T) {
	cliApp, a := newTestCLI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	enqueuePoint(t, a)

	err := cliApp.Run([]string{"anchorsync", "sync", "now"})
	assert.ErrorIs(t, err, facade.ErrOffline)
}

func TestQueueRequeueAndClear(t *testing.T) {
	cliApp, a := newTestCLI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"numeroPonto already exists"}`))
	}))
	ctx := context.Background()
	res := enqueuePoint(t, a)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "now"}))
	item, err := a.Queue.Get(ctx, res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "queue", "list", "--status", "failed"}))
	require.NoError(t, cliApp.Run([]string{"anchorsync", "queue", "show", res.ItemID}))

	require.NoError(t, cliApp.Run([]string{"anchorsync", "queue", "requeue", res.ItemID}))
	item, err = a.Queue.Get(ctx, res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)

	assert.Error(t, cliApp.Run([]string{"anchorsync", "queue", "requeue"}))
	err = cliApp.Run([]string{"anchorsync", "queue", "requeue", "photo-01J00000000000000000000000"})
	assert.ErrorIs(t, err, ulid.ErrWrongPrefix)
	assert.Error(t, cliApp.Run([]string{"anchorsync", "queue", "list", "--table", "photos"}))

	require.NoError(t, cliApp.Run([]string{"anchorsync", "queue", "clear", "--yes"}))
	counts, err := a.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.TotalUnsynced())
}

func TestAccountLinkAndUnlink(t *testing.T) {
	cliApp, a := newTestCLI(t, acceptAll())
	ctx := context.Background()

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "account", "link", "--token", "tok-123", "--name", "tablet-3"}))
	assert.Equal(t, "tok-123", a.Client.GetToken())
	assert.Equal(t, "tablet-3", a.Config.Server.DeviceName)

	stored, err := a.Settings.GetSetting(ctx, config.KeyServerToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", stored)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "account", "status"}))

	require.NoError(t, cliApp.Run([]string{"anchorsync", "sync", "account", "unlink"}))
	assert.Empty(t, a.Client.GetToken())
}

func TestCacheCommands(t *testing.T) {
	cliApp, a := newTestCLI(t, acceptAll())
	ctx := context.Background()

	require.NoError(t, cliApp.Run([]string{"anchorsync", "cache", "install"}))
	require.NoError(t, cliApp.Run([]string{"anchorsync", "cache", "activate"}))
	assert.True(t, a.Router.Active())

	active, err := a.Settings.ActiveCacheVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Config.Cache.Version, active)

	require.NoError(t, cliApp.Run([]string{"anchorsync", "cache", "stats"}))
	require.NoError(t, cliApp.Run([]string{"anchorsync", "cache", "purge", "--yes"}))

	stats, err := a.Router.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
	active, err = a.Settings.ActiveCacheVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMigrateVersion(t *testing.T) {
	cliApp, _ := newTestCLI(t, acceptAll())
	require.NoError(t, cliApp.Run([]string{"anchorsync", "migrate", "version"}))
}

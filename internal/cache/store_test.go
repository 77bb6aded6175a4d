package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

func setupStore(t *testing.T, version string) (*Store, *SQLRepository) {
	t.Helper()
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	return NewStore(repo, GroupNames("anchor", version), loggy.NewNoopLogger()), repo
}

func TestStorePutAndMatch(t *testing.T) {
	store, _ := setupStore(t, "v1")
	ctx := context.Background()
	require.NoError(t, store.Open(ctx))

	req := httptest.NewRequest(http.MethodGet, "http://app.local/api/points", nil)
	require.NoError(t, store.Put(ctx, KindAPI, req, newResponse(`[{"id":"pt-1"}]`), 1<<20))

	entry, err := store.Match(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "anchor-api-v1", entry.Group)
	assert.Equal(t, `[{"id":"pt-1"}]`, string(entry.Body))
	assert.Equal(t, "text/html", entry.Header.Get("Content-Type"))

	_, err = store.Match(ctx, httptest.NewRequest(http.MethodGet, "http://app.local/other", nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMatchOrder(t *testing.T) {
	store, _ := setupStore(t, "v1")
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://app.local/", nil)

	require.NoError(t, store.Put(ctx, KindDynamic, req, newResponse("dynamic"), 0))
	require.NoError(t, store.Put(ctx, KindStatic, req, newResponse("static"), 0))

	entry, err := store.Match(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "static", string(entry.Body), "static is searched first")
}

func TestStoreIgnoresNonGET(t *testing.T) {
	store, _ := setupStore(t, "v1")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/points", nil)
	require.NoError(t, store.Put(ctx, KindAPI, req, newResponse("created"), 0))

	_, err := store.MatchKey(ctx, RequestKey(req))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePrune(t *testing.T) {
	old, repo := setupStore(t, "v1")
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://app.local/", nil)
	require.NoError(t, old.Put(ctx, KindStatic, req, newResponse("old shell"), 0))

	current := NewStore(repo, GroupNames("anchor", "v2"), loggy.NewNoopLogger())
	require.NoError(t, current.Open(ctx))

	deleted, err := current.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anchor-static-v1"}, deleted)

	groups, err := repo.ListGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, current.Groups().All(), groups)

	_, err = repo.Get(ctx, "anchor-static-v1", RequestKey(req))
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := current.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["anchor-static-v2"])

	n, err := current.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

package records

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

func TestPutAndGet(t *testing.T) {
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, "points", "pt-1", json.RawMessage(`{"id":"pt-1","numeroPonto":"A-01","localizacao":"Cobertura"}`), now))

	rec, err := repo.Get(ctx, "points", "pt-1")
	require.NoError(t, err)
	assert.Equal(t, SyncPending, rec.SyncStatus)
	assert.False(t, rec.Deleted)
	assert.JSONEq(t, `{"id":"pt-1","numeroPonto":"A-01","localizacao":"Cobertura"}`, string(rec.Data))
	assert.True(t, now.Equal(rec.UpdatedAt))

	// partial update keeps earlier fields
	require.NoError(t, repo.Put(ctx, "points", "pt-1", json.RawMessage(`{"id":"pt-1","localizacao":"Fachada"}`), now.Add(time.Minute)))
	rec, err = repo.Get(ctx, "points", "pt-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"pt-1","numeroPonto":"A-01","localizacao":"Fachada"}`, string(rec.Data))

	_, err = repo.Get(ctx, "points", "pt-2")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMarkSynced(t *testing.T) {
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Put(ctx, "tests", "tst-1", json.RawMessage(`{"id":"tst-1"}`), now))
	require.NoError(t, repo.MarkSynced(ctx, "tests", "tst-1", now))

	rec, err := repo.Get(ctx, "tests", "tst-1")
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, rec.SyncStatus)

	// a later local write makes it pending again
	require.NoError(t, repo.Put(ctx, "tests", "tst-1", json.RawMessage(`{"observacoes":"ok"}`), now))
	rec, err = repo.Get(ctx, "tests", "tst-1")
	require.NoError(t, err)
	assert.Equal(t, SyncPending, rec.SyncStatus)

	assert.ErrorIs(t, repo.MarkSynced(ctx, "tests", "tst-404", now), ErrRecordNotFound)
}

func TestTombstoneAndList(t *testing.T) {
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, "points", "pt-1", json.RawMessage(`{"id":"pt-1"}`), now))
	require.NoError(t, repo.Put(ctx, "points", "pt-2", json.RawMessage(`{"id":"pt-2"}`), now.Add(time.Second)))
	require.NoError(t, repo.Put(ctx, "tests", "tst-1", json.RawMessage(`{"id":"tst-1"}`), now))

	recs, err := repo.List(ctx, "points")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "pt-2", recs[0].ID)

	require.NoError(t, repo.Tombstone(ctx, "points", "pt-2", now.Add(2*time.Second)))
	recs, err = repo.List(ctx, "points")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pt-1", recs[0].ID)

	rec, err := repo.Get(ctx, "points", "pt-2")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Equal(t, SyncPending, rec.SyncStatus)

	// tombstone for a record never stored locally
	require.NoError(t, repo.Tombstone(ctx, "points", "pt-9", now))
	rec, err = repo.Get(ctx, "points", "pt-9")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	require.NoError(t, repo.Delete(ctx, "points", "pt-2"))
	_, err = repo.Get(ctx, "points", "pt-2")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "points", "pt-2"), ErrRecordNotFound)
}

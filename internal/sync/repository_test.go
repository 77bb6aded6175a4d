package sync

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/anchorsync/internal/database/dbtest"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

func TestCreateSyncLogMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())
	started := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	entry := NewSyncLog(TriggerManual, "mut-1", "points", started)
	entry.MarkSuccessful(1, started.Add(time.Second))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_logs")).
		WithArgs(sqlmock.AnyArg(), TriggerManual, "mut-1", "points", true, SyncErrorType(""),
			"", 1, started, started.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.CreateSyncLog(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncLogRepository(t *testing.T) {
	repo := NewSQLRepository(dbtest.New(t), loggy.NewNoopLogger())
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	ok := NewSyncLog(TriggerStartup, "mut-1", "points", base)
	ok.MarkSuccessful(1, base.Add(time.Second))
	failed := NewSyncLog(TriggerManual, "mut-1", "points", base.Add(time.Minute))
	failed.MarkFailed(SyncErrorTypeServer, "API error 503", base.Add(time.Minute+time.Second))
	drain := NewSyncLog(TriggerManual, "", "", base.Add(2*time.Minute))
	drain.MarkSuccessful(3, base.Add(3*time.Minute))

	for _, l := range []*SyncLog{ok, failed, drain} {
		require.NoError(t, repo.CreateSyncLog(ctx, l))
	}

	all, err := repo.GetSyncLogs(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, drain.ID, all[0].ID, "newest first")

	drains, err := repo.GetSyncLogs(ctx, LogFilter{DrainsOnly: true})
	require.NoError(t, err)
	require.Len(t, drains, 1)
	assert.Equal(t, 3, drains[0].ItemsSynced)

	failures, err := repo.GetSyncLogs(ctx, LogFilter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, SyncErrorTypeServer, failures[0].ErrorType)
	assert.Equal(t, "API error 503", failures[0].ErrorMessage)

	latest, err := repo.GetLatestSyncLog(ctx, "mut-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, failed.ID, latest.ID)
	require.NotNil(t, latest.CompletedAt)
	assert.True(t, latest.CompletedAt.Equal(base.Add(time.Minute+time.Second)))

	none, err := repo.GetLatestSyncLog(ctx, "mut-404")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := repo.DeleteSyncLogsBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

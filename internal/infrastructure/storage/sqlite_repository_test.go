package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/infrastructure/storage"
)

func newSQLite(t *testing.T, path string) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	t.Parallel()

	repo := newSQLite(t, filepath.Join(t.TempDir(), "waterwise.db"))
	testReadingStore(t, repo, "meter-sqlite")
	t.Run("cursor", func(t *testing.T) { testCursorStore(t, repo, "meter-sqlite") })
	t.Run("queue", func(t *testing.T) { testWriteQueue(t, repo) })
}

func TestSQLiteRepositorySurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	repo, err := storage.NewSQLiteRepository(ctx, path)
	require.NoError(t, err)
	r := reading("meter-reopen", 5*time.Minute, 2)
	_, err = repo.Append(ctx, r)
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(ctx, r))
	require.NoError(t, repo.CommitCursor(ctx, model.SyncCursor{DeviceID: "meter-reopen", Seq: 7}))
	require.NoError(t, repo.Close())

	reopened := newSQLite(t, path)
	res, err := reopened.Append(ctx, r)
	require.NoError(t, err)
	require.Equal(t, model.AppendDuplicate, res.Outcome)

	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := reopened.GetCursor(ctx, "meter-reopen")
	require.NoError(t, err)
	require.Equal(t, int64(7), c.Seq)
}

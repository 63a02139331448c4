package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/infrastructure/storage"
)

func TestMemoryRepository(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	testReadingStore(t, repo, "meter-mem")
	t.Run("cursor", func(t *testing.T) { testCursorStore(t, repo, "meter-mem") })
	t.Run("queue", func(t *testing.T) { testWriteQueue(t, repo) })
}

func TestMemoryRepositoryUnavailable(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	repo.SetUnavailable(true)

	_, err := repo.Append(context.Background(), reading("m", 0, 1))
	require.True(t, errors.Is(err, model.ErrStoreUnavailable))
	require.True(t, model.IsRetryable(err))

	repo.SetUnavailable(false)
	res, err := repo.Append(context.Background(), reading("m", 0, 1))
	require.NoError(t, err)
	require.Equal(t, model.AppendAccepted, res.Outcome)
}

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/models"
)

func TestMemoryRepositoryKeepsOrder(t *testing.T) {
	repo := NewMemoryUpdateRepository()
	ctx := context.Background()

	for _, b := range []byte{1, 2, 3} {
		require.NoError(t, repo.StoreUpdate(ctx, "room", []byte{b}))
	}
	require.NoError(t, repo.StoreUpdate(ctx, "other", []byte{9}))

	rows, err := repo.LoadUpdates(ctx, "room")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, []byte{byte(i + 1)}, row.Update)
		assert.Equal(t, models.UpdateKindIncremental, row.Kind)
		assert.Equal(t, "room", row.DocumentName)
	}
}

func TestMemoryRepositoryCompact(t *testing.T) {
	repo := NewMemoryUpdateRepository()
	ctx := context.Background()
	require.NoError(t, repo.StoreUpdate(ctx, "room", []byte{1}))
	require.NoError(t, repo.StoreUpdate(ctx, "room", []byte{2}))

	require.NoError(t, repo.Compact(ctx, "room", []byte{1, 2}))

	count, err := repo.CountUpdates(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rows, err := repo.LoadUpdates(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, models.UpdateKindSnapshot, rows[0].Kind)
	assert.Equal(t, []byte{1, 2}, rows[0].Update)
}

func TestMemoryRepositoryCopiesInput(t *testing.T) {
	repo := NewMemoryUpdateRepository()
	update := []byte{1}
	require.NoError(t, repo.StoreUpdate(context.Background(), "room", update))
	update[0] = 7

	rows, err := repo.LoadUpdates(context.Background(), "room")
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, rows[0].Update)
}

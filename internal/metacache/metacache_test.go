package metacache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep-core/internal/storage"
)

func setupCache(t *testing.T) (*Cache, storage.Storage) {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cache, err := New(store, 10)
	require.NoError(t, err)
	return cache, store
}

func TestGetMissFallsThroughToStorage(t *testing.T) {
	cache, store := setupCache(t)
	ctx := context.Background()
	require.NoError(t, store.PutMeta(ctx, storage.MetaEntry{Path: "a.go", Hash: "h1", MTimeMS: 1, SizeBytes: 10}))

	entry, err := cache.Get(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "h1", entry.Hash)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	cache, _ := setupCache(t)
	_, err := cache.Get(context.Background(), "missing.go")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutThenGetHitsLRU(t *testing.T) {
	cache, store := setupCache(t)
	ctx := context.Background()
	entry := storage.MetaEntry{Path: "b.go", Hash: "h2", MTimeMS: 2, SizeBytes: 20}
	require.NoError(t, cache.Put(ctx, entry))

	// Delete directly from storage, bypassing the cache layer, to prove
	// the second Get is served from the LRU rather than re-hitting storage.
	require.NoError(t, store.DeleteMeta(ctx, []string{"b.go"}))

	got, err := cache.Get(ctx, "b.go")
	require.NoError(t, err)
	assert.Equal(t, entry, got)
}

func TestDeleteRemovesFromStorageAndLRU(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, storage.MetaEntry{Path: "c.go", Hash: "h3"}))
	require.NoError(t, cache.Delete(ctx, []string{"c.go"}))

	_, err := cache.Get(ctx, "c.go")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEmptyReportsTrueForFreshCache(t *testing.T) {
	cache, _ := setupCache(t)
	empty, err := cache.Empty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestClearPurgesEverything(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, storage.MetaEntry{Path: "d.go", Hash: "h4"}))
	require.NoError(t, cache.Clear(ctx))

	empty, err := cache.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

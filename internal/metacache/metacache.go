// Package metacache fronts the durable per-path metadata store (§4.2)
// with an in-memory LRU, mirroring the teacher's embedder.Cache: reads
// hit the LRU first and fall through to storage on miss; writes go to
// storage synchronously and then populate the LRU, so correctness never
// depends on what happens to be cached — an empty cache just means every
// read falls through once.
package metacache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/osgrep/osgrep-core/internal/storage"
)

// Cache is the metadata cache collaborator the syncer depends on.
type Cache struct {
	store storage.Storage
	lru   *lru.Cache[string, storage.MetaEntry]
}

// New wraps store with an LRU front of at most maxLen entries.
func New(store storage.Storage, maxLen int) (*Cache, error) {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	l, err := lru.New[string, storage.MetaEntry](maxLen)
	if err != nil {
		return nil, fmt.Errorf("metacache: create lru: %w", err)
	}
	return &Cache{store: store, lru: l}, nil
}

// Get returns the metadata entry for path, or storage.ErrNotFound.
func (c *Cache) Get(ctx context.Context, path string) (storage.MetaEntry, error) {
	if entry, ok := c.lru.Get(path); ok {
		return entry, nil
	}
	entry, err := c.store.GetMeta(ctx, path)
	if err != nil {
		return storage.MetaEntry{}, err
	}
	c.lru.Add(path, entry)
	return entry, nil
}

// Put durably upserts entry and refreshes the LRU.
func (c *Cache) Put(ctx context.Context, entry storage.MetaEntry) error {
	if err := c.store.PutMeta(ctx, entry); err != nil {
		return err
	}
	c.lru.Add(entry.Path, entry)
	return nil
}

// Delete removes paths from durable storage and the LRU.
func (c *Cache) Delete(ctx context.Context, paths []string) error {
	if err := c.store.DeleteMeta(ctx, paths); err != nil {
		return err
	}
	for _, p := range paths {
		c.lru.Remove(p)
	}
	return nil
}

// Iter returns every path with a metadata entry, bypassing the LRU since
// the stale sweep needs the full durable set, not just what's hot.
func (c *Cache) Iter(ctx context.Context) ([]string, error) {
	return c.store.ListMetaPaths(ctx)
}

// Empty reports whether the durable cache has no entries at all, used by
// the syncer's inconsistency check (§4.5 step 10).
func (c *Cache) Empty(ctx context.Context) (bool, error) {
	paths, err := c.store.ListMetaPaths(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}

// Clear drops every entry, used when the syncer rebuilds after detecting
// storage/cache inconsistency.
func (c *Cache) Clear(ctx context.Context) error {
	paths, err := c.store.ListMetaPaths(ctx)
	if err != nil {
		return err
	}
	if err := c.store.DeleteMeta(ctx, paths); err != nil {
		return err
	}
	c.lru.Purge()
	return nil
}

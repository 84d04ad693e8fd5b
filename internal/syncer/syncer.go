// Package syncer reconciles the on-disk store with the working tree:
// scan, dedupe against the metadata cache, dispatch changed files to the
// embedding pool, batch-flush the results, and garbage-collect stale
// paths. It generalizes the teacher's internal/indexer walk-and-upsert
// loop from a per-symbol SQL writer into the batched chunk+embedding
// pipeline this store needs, keeping the same errgroup+semaphore
// concurrency shape.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/osgrep/osgrep-core/internal/chunker"
	"github.com/osgrep/osgrep-core/internal/ignore"
	"github.com/osgrep/osgrep-core/internal/metacache"
	"github.com/osgrep/osgrep-core/internal/osgrep"
	"github.com/osgrep/osgrep-core/internal/storage"
	"github.com/osgrep/osgrep-core/internal/workerpool/protocol"
)

// MaxFileSizeBytes rejects any candidate file larger than this, per
// spec.md §6.
const MaxFileSizeBytes = 10 * 1024 * 1024

// EmbedBatchSize and MetaBatchLimit are the flush triggers from spec.md
// §4.5 step 6.
const (
	EmbedBatchSize  = 64
	MetaBatchLimit  = 256
	DeleteBatchSize = 256
)

// indexableExtensions is the closed allow-list from spec.md §6: mainstream
// source languages plus a few document formats. Anything else is skipped
// without being treated as an error.
var indexableExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".kt": true, ".rb": true, ".rs": true, ".c": true, ".h": true,
	".cpp": true, ".cc": true, ".hpp": true, ".cs": true, ".php": true, ".swift": true,
	".scala": true, ".sh": true, ".sql": true, ".yaml": true, ".yml": true, ".json": true,
	".md": true, ".txt": true, ".pdf": true,
}

// Caller is the narrow slice of the worker pool the syncer needs: a
// single blocking RPC, since dispatch already bounds concurrency with
// its own semaphore.
type Caller interface {
	Call(ctx context.Context, op protocol.Op, payload any) (json.RawMessage, error)
}

// Result is the per-pass outcome, per spec.md §4.5's contract.
type Result struct {
	Processed int
	Indexed   int
	Total     int
	Complete  bool
}

// Syncer owns one project's reconciliation pass.
type Syncer struct {
	root  string
	store storage.Storage
	cache *metacache.Cache
	pool  Caller

	concurrency int
}

// New builds a Syncer rooted at root.
func New(root string, store storage.Storage, cache *metacache.Cache, pool Caller, concurrency int) *Syncer {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Syncer{root: root, store: store, cache: cache, pool: pool, concurrency: concurrency}
}

// flushFailure marks an error as originating from a flush, the one
// per-file error category that aborts the whole pass (spec.md §7).
type flushFailure struct{ err error }

func (f *flushFailure) Error() string { return f.err.Error() }
func (f *flushFailure) Unwrap() error { return f.err }

type pendingWork struct {
	mu      sync.Mutex
	batch   []storage.Chunk
	deletes []string
	metas   []storage.MetaEntry
}

// Run executes one reconciliation pass: scan, dedupe, dispatch, flush,
// stale sweep.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	if err := s.checkConsistency(ctx); err != nil {
		return Result{}, err
	}

	matcher, err := ignore.New(s.root)
	if err != nil {
		return Result{}, fmt.Errorf("syncer: build ignore matcher: %w", err)
	}

	work := &pendingWork{}
	var flushMu sync.Mutex
	var total, indexed int
	var totalMu sync.Mutex
	seen := make(map[string]bool)
	var seenMu sync.Mutex
	var encounteredError bool

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.concurrency)

	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == s.root {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Match(rel, false) {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !indexableExtensions[filepath.Ext(rel)] {
			return nil
		}

		seenMu.Lock()
		seen[rel] = true
		seenMu.Unlock()
		totalMu.Lock()
		total++
		totalMu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return gctx.Err()
		}

		g.Go(func() error {
			defer func() { <-sem }()
			didIndex, err := s.processCandidate(gctx, rel, work, &flushMu)
			totalMu.Lock()
			if err == nil && didIndex {
				indexed++
			}
			totalMu.Unlock()
			if err == nil {
				return nil
			}
			var ff *flushFailure
			if errors.As(err, &ff) {
				// Flush failures abort the pass (spec.md §7).
				return ff.err
			}
			// Per-file failures increment processed (already counted above
			// via total) and mark the pass incomplete, but never abort.
			totalMu.Lock()
			encounteredError = true
			totalMu.Unlock()
			return nil
		})
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		encounteredError = true
	}

	waitErr := g.Wait()
	cancelled := ctx.Err() != nil || waitErr == context.Canceled

	if err := s.flush(ctx, work, true, &flushMu); err != nil {
		return Result{Processed: total, Indexed: indexed, Total: total}, err
	}

	if !encounteredError && !cancelled {
		if err := s.staleSweep(ctx, seen); err != nil {
			return Result{Processed: total, Indexed: indexed, Total: total}, err
		}
	}

	return Result{Processed: total, Indexed: indexed, Total: total, Complete: !encounteredError && !cancelled}, nil
}

// checkConsistency implements spec.md §4.5 step 10: if storage and the
// metadata cache disagree about whether anything has ever been synced,
// treat it as corruption and reset both before scanning.
func (s *Syncer) checkConsistency(ctx context.Context) error {
	hasRows, err := s.store.HasAnyRows(ctx)
	if err != nil {
		return fmt.Errorf("syncer: check storage rows: %w", err)
	}
	cacheEmpty, err := s.cache.Empty(ctx)
	if err != nil {
		return fmt.Errorf("syncer: check metadata cache: %w", err)
	}
	if hasRows == cacheEmpty {
		if err := s.store.Drop(ctx); err != nil {
			return fmt.Errorf("syncer: reset storage: %w", err)
		}
		if err := s.cache.Clear(ctx); err != nil {
			return fmt.Errorf("syncer: reset metadata cache: %w", err)
		}
	}
	return nil
}

// processCandidate runs spec.md §4.5 step 4 for one file: stat/hash
// dedupe, then either a delete-by-path or a dispatch to the pool.
// Returns whether the file was (re)indexed.
func (s *Syncer) processCandidate(ctx context.Context, rel string, work *pendingWork, flushMu *sync.Mutex) (bool, error) {
	full := filepath.Join(s.root, rel)

	info, err := os.Stat(full)
	if err != nil {
		return false, osgrep.ErrFileVanished
	}
	if info.Size() > MaxFileSizeBytes {
		return false, osgrep.ErrFileTooLarge
	}

	cached, cacheErr := s.cache.Get(ctx, rel)
	cacheHit := cacheErr == nil
	if cacheHit && cached.MTimeMS == info.ModTime().UnixMilli() && cached.SizeBytes == info.Size() {
		return false, nil
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return false, osgrep.ErrFileVanished
	}
	info2, err := os.Stat(full)
	if err != nil || info2.Size() != int64(len(content)) || !info2.ModTime().Equal(info.ModTime()) {
		// Changed mid-read; skip this pass, next run will pick it up.
		return false, nil
	}

	hash := chunker.ComputeFileHash(content)
	entry := storage.MetaEntry{Path: rel, Hash: hash, MTimeMS: info2.ModTime().UnixMilli(), SizeBytes: info2.Size()}

	if cacheHit && cached.Hash == hash {
		s.queueMeta(work, flushMu, entry)
		return false, s.maybeFlush(ctx, work, flushMu)
	}

	if len(content) == 0 || bytes.IndexByte(content, 0) >= 0 {
		s.queueDelete(work, flushMu, rel)
		s.queueMeta(work, flushMu, entry)
		return false, s.maybeFlush(ctx, work, flushMu)
	}

	records, err := s.dispatchProcessFile(ctx, rel, content, hash)
	if err != nil {
		return false, err
	}

	chunks := make([]storage.Chunk, 0, len(records))
	for _, rec := range records {
		id, parseErr := uuid.Parse(rec.ID)
		if parseErr != nil {
			id = uuid.New()
		}
		chunks = append(chunks, storage.Chunk{
			ID:             id,
			Path:           rec.Path,
			Hash:           rec.FileHash,
			LineStart:      rec.LineStart,
			LineEnd:        rec.LineEnd,
			Text:           rec.Text,
			ContextPrev:    rec.ContextPrev,
			ContextNext:    rec.ContextNext,
			Language:       rec.Language,
			Kind:           storage.ChunkKind(rec.Kind),
			Role:           storage.ChunkRole(rec.Role),
			DefinedSymbols: rec.DefinedSymbols,
			Dense:          rec.Dense,
			ColbertTokens:  unpackGrid(rec.ColbertInt8, rec.ColbertTokens, rec.ColbertDim),
			ColbertScale:   rec.Scale,
			PooledColbert:  rec.Pooled,
			UpdatedAt:      time.Now(),
		})
	}

	flushMu.Lock()
	work.mu.Lock()
	work.deletes = append(work.deletes, rel)
	work.batch = append(work.batch, chunks...)
	work.metas = append(work.metas, entry)
	work.mu.Unlock()
	flushMu.Unlock()

	if err := s.maybeFlush(ctx, work, flushMu); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Syncer) queueDelete(work *pendingWork, flushMu *sync.Mutex, path string) {
	flushMu.Lock()
	work.mu.Lock()
	work.deletes = append(work.deletes, path)
	work.mu.Unlock()
	flushMu.Unlock()
}

func (s *Syncer) queueMeta(work *pendingWork, flushMu *sync.Mutex, entry storage.MetaEntry) {
	flushMu.Lock()
	work.mu.Lock()
	work.metas = append(work.metas, entry)
	work.mu.Unlock()
	flushMu.Unlock()
}

func (s *Syncer) dispatchProcessFile(ctx context.Context, rel string, content []byte, hash string) ([]protocol.ChunkRecordWire, error) {
	raw, err := s.pool.Call(ctx, protocol.OpProcessFile, protocol.ProcessFileRequest{Path: rel, Content: content, Hash: hash})
	if err != nil {
		return nil, err
	}
	var result protocol.ProcessFileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("syncer: decode process_file result: %w", err)
	}
	return result.Records, nil
}

func unpackGrid(blob []byte, tokens, dim int) [][]int8 {
	if tokens == 0 || dim == 0 {
		return nil
	}
	grid := make([][]int8, tokens)
	for i := 0; i < tokens; i++ {
		row := make([]int8, dim)
		for j := 0; j < dim; j++ {
			idx := i*dim + j
			if idx < len(blob) {
				row[j] = int8(blob[idx])
			}
		}
		grid[i] = row
	}
	return grid
}

// maybeFlush checks the trigger thresholds from spec.md §4.5 step 6 and
// flushes if any is met.
func (s *Syncer) maybeFlush(ctx context.Context, work *pendingWork, flushMu *sync.Mutex) error {
	work.mu.Lock()
	trigger := len(work.batch) >= EmbedBatchSize || len(work.deletes) >= DeleteBatchSize || len(work.metas) >= MetaBatchLimit
	work.mu.Unlock()
	if !trigger {
		return nil
	}
	if err := s.flush(ctx, work, false, flushMu); err != nil {
		return &flushFailure{err}
	}
	return nil
}

// flush implements spec.md §4.5 step 7's ordering: deletes, then
// inserts, then metadata commit. Only one flush runs at a time; flushMu
// is the serialization point every caller awaits.
func (s *Syncer) flush(ctx context.Context, work *pendingWork, force bool, flushMu *sync.Mutex) error {
	flushMu.Lock()
	defer flushMu.Unlock()

	work.mu.Lock()
	deletes := work.deletes
	batch := work.batch
	metas := work.metas
	work.deletes = nil
	work.batch = nil
	work.metas = nil
	work.mu.Unlock()

	if !force && len(deletes) == 0 && len(batch) == 0 && len(metas) == 0 {
		return nil
	}

	if len(deletes) > 0 {
		if err := s.store.DeleteByPaths(ctx, deletes); err != nil {
			return fmt.Errorf("syncer: flush deletes: %w", err)
		}
	}
	if len(batch) > 0 {
		// insert_batch must be atomic per spec.md §4.7: run it inside
		// WithTx so a failure partway through the batch rolls every
		// chunk in it back, instead of leaving the chunks inserted
		// before the failing one durably committed.
		err := s.store.WithTx(ctx, func(tx storage.Storage) error {
			return tx.InsertChunks(ctx, batch)
		})
		if err != nil {
			// Metadata is deliberately not committed: the corresponding
			// paths were already deleted above, so the next run re-embeds
			// them because their metadata entry was never written.
			return fmt.Errorf("syncer: flush inserts: %w", err)
		}
	}
	for _, m := range metas {
		if err := s.cache.Put(ctx, m); err != nil {
			return fmt.Errorf("syncer: commit metadata: %w", err)
		}
	}
	return nil
}

// staleSweep implements spec.md §4.5 step 9: paths the cache knows about
// but the scan never saw are deleted from both storage and the cache.
func (s *Syncer) staleSweep(ctx context.Context, seen map[string]bool) error {
	stored, err := s.cache.Iter(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list cached paths: %w", err)
	}
	var stale []string
	for _, p := range stored {
		if !seen[p] {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.store.DeleteByPaths(ctx, stale); err != nil {
		return fmt.Errorf("syncer: stale sweep delete: %w", err)
	}
	return s.cache.Delete(ctx, stale)
}

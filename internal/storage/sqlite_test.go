package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep-core/internal/osgrep"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleChunk(path string) Chunk {
	return Chunk{
		ID:        uuid.New(),
		Path:      path,
		Hash:      "deadbeef",
		LineStart: 1,
		LineEnd:   10,
		Text:      "func Add(a, b int) int { return a + b }",
		Language:  "go",
		Kind:      KindFunction,
		Role:      RoleImplementation,
		Dense:     []float32{0.1, 0.2, 0.3},
		UpdatedAt: time.UnixMilli(1700000000000),
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := setupTestStore(t)
	health, err := store.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", health.SchemaVersion)
	assert.Equal(t, int64(0), health.ChunkCount)
}

func TestInsertAndListPaths(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	chunks := []Chunk{sampleChunk("pkg/math/add.go"), sampleChunk("pkg/math/sub.go")}

	require.NoError(t, store.InsertChunks(ctx, chunks))

	paths, err := store.ListPaths(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg/math/add.go", "pkg/math/sub.go"}, paths)

	has, err := store.HasAnyRows(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestInsertChunksBatchIsAtomicOnConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dup := sampleChunk("dup.go")
	require.NoError(t, store.InsertChunks(ctx, []Chunk{dup}))

	// A batch whose second row collides on the dup's primary key must
	// fail as a whole: insert_batch is documented as atomic per batch
	// (spec.md §4.7), so the first row in this batch must not survive
	// the second row's failure.
	batch := []Chunk{sampleChunk("first.go"), dup}
	err := store.WithTx(ctx, func(tx Storage) error {
		return tx.InsertChunks(ctx, batch)
	})
	require.Error(t, err)

	paths, err := store.ListPaths(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dup.go"}, paths)
}

func TestInsertChunksRejectsSchemaMismatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bad := sampleChunk("bad.go")
	bad.Kind = ChunkKind("NOT_A_REAL_KIND")

	err := store.InsertChunks(ctx, []Chunk{bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, osgrep.ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "kind")

	paths, err := store.ListPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDeleteByPaths(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertChunks(ctx, []Chunk{sampleChunk("a.go"), sampleChunk("b.go")}))

	require.NoError(t, store.DeleteByPaths(ctx, []string{"a.go"}))

	paths, err := store.ListPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, paths)
}

func TestCreateFTSIndexIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertChunks(ctx, []Chunk{sampleChunk("a.go")}))

	require.NoError(t, store.CreateFTSIndex(ctx, "text"))
	require.NoError(t, store.CreateFTSIndex(ctx, "text"))

	results, err := store.TextSearch(ctx, "Add", 10, SearchFilters{})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestCreateFTSIndexRejectsUnsupportedField(t *testing.T) {
	store := setupTestStore(t)
	err := store.CreateFTSIndex(context.Background(), "defined_symbols")
	assert.ErrorIs(t, err, ErrUnsupportedFTSField)
}

func TestDropClearsChunksAndMeta(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertChunks(ctx, []Chunk{sampleChunk("a.go")}))
	require.NoError(t, store.PutMeta(ctx, MetaEntry{Path: "a.go", Hash: "deadbeef"}))

	require.NoError(t, store.Drop(ctx))

	has, err := store.HasAnyRows(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	metaPaths, err := store.ListMetaPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, metaPaths)

	// Idempotent: dropping an already-empty store is a no-op, not an error.
	require.NoError(t, store.Drop(ctx))
}

func TestGetChunksByIDsRoundTripsColbert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := sampleChunk("colbert.go")
	c.ColbertTokens, c.ColbertScale = QuantizeColbert([][]float32{
		{0.5, -0.5, 0.25},
		{1.0, 0.0, -1.0},
	})
	require.NoError(t, store.InsertChunks(ctx, []Chunk{c}))

	got, err := store.GetChunksByIDs(ctx, []uuid.UUID{c.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ColbertScale, got[0].ColbertScale)
	require.Len(t, got[0].ColbertTokens, 2)
	assert.InDelta(t, 0.5, float64(got[0].ColbertTokens[0][0])*float64(got[0].ColbertScale), 0.02)
}

func TestMetaEntryLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetMeta(ctx, "missing.go")
	assert.ErrorIs(t, err, ErrNotFound)

	entry := MetaEntry{Path: "a.go", Hash: "abc", MTimeMS: 123, SizeBytes: 456}
	require.NoError(t, store.PutMeta(ctx, entry))

	got, err := store.GetMeta(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	paths, err := store.ListMetaPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, paths)

	require.NoError(t, store.DeleteMeta(ctx, []string{"a.go"}))
	_, err = store.GetMeta(ctx, "a.go")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	near := sampleChunk("near.go")
	near.Dense = []float32{1, 0, 0}
	far := sampleChunk("far.go")
	far.Dense = []float32{0, 1, 0}
	require.NoError(t, store.InsertChunks(ctx, []Chunk{far, near}))

	results, err := store.VectorSearch(ctx, []float32{1, 0, 0}, VectorTargetDense, 10, SearchFilters{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near.go", results[0].Chunk.Path)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestTextSearchMatchesContent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := sampleChunk("a.go")
	a.Text = "func ParseConfig reads configuration from disk"
	b := sampleChunk("b.go")
	b.Text = "func WriteLog appends to the audit log"
	require.NoError(t, store.InsertChunks(ctx, []Chunk{a, b}))

	results, err := store.TextSearch(ctx, "configuration", 10, SearchFilters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.go", results[0].Chunk.Path)
}

func TestTextSearchSanitizesBooleanKeywords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := sampleChunk("a.go")
	a.Text = "NOT a real boolean operator in this literal query"
	require.NoError(t, store.InsertChunks(ctx, []Chunk{a}))

	results, err := store.TextSearch(ctx, "NOT a real", 10, SearchFilters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestVectorSearchRespectsPathPrefixFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	inPkg := sampleChunk("pkg/foo.go")
	inPkg.Dense = []float32{1, 0, 0}
	outPkg := sampleChunk("cmd/bar.go")
	outPkg.Dense = []float32{1, 0, 0}
	require.NoError(t, store.InsertChunks(ctx, []Chunk{inPkg, outPkg}))

	results, err := store.VectorSearch(ctx, []float32{1, 0, 0}, VectorTargetDense, 10, SearchFilters{PathPrefix: "pkg/"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pkg/foo.go", results[0].Chunk.Path)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Storage) error {
		return tx.InsertChunks(ctx, []Chunk{sampleChunk("tx.go")})
	})
	require.NoError(t, err)

	paths, err := store.ListPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx.go"}, paths)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Storage) error {
		if err := tx.InsertChunks(ctx, []Chunk{sampleChunk("tx.go")}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	has, err := store.HasAnyRows(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

package retriever

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep-core/internal/storage"
	"github.com/osgrep/osgrep-core/internal/workerpool/protocol"
)

// fakeCaller answers encode_query with a fixed dense+colbert matrix and
// rerank with a uniform MaxSim score per candidate, so tests can isolate
// the fusion/boost ranking logic from the (deterministic but opaque)
// embedding arithmetic.
type fakeCaller struct {
	rerankScore float64
}

func (f *fakeCaller) Call(ctx context.Context, op protocol.Op, payload any) (json.RawMessage, error) {
	switch op {
	case protocol.OpEncodeQuery:
		return json.Marshal(protocol.EncodeQueryResult{
			Dense:   []float32{1, 0, 0},
			Colbert: [][]float32{{1, 0}, {0, 1}},
		})
	case protocol.OpRerank:
		req := payload.(protocol.RerankRequest)
		score := f.rerankScore
		if score == 0 {
			score = 1.0
		}
		scores := make([]float64, len(req.Candidates))
		for i := range scores {
			scores[i] = score
		}
		return json.Marshal(protocol.RerankResult{Scores: scores})
	default:
		return json.Marshal(struct{}{})
	}
}

func setupStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertChunk(t *testing.T, store storage.Storage, c storage.Chunk) storage.Chunk {
	t.Helper()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Hash == "" {
		c.Hash = "deadbeef"
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	if len(c.ColbertTokens) == 0 {
		grid := [][]float32{{0.1, 0.2}, {0.3, 0.4}}
		c.ColbertTokens, c.ColbertScale = storage.QuantizeColbert(grid)
	}
	require.NoError(t, store.InsertChunks(context.Background(), []storage.Chunk{c}))
	return c
}

func TestSearchRanksCloserDenseVectorFirst(t *testing.T) {
	store := setupStore(t)
	insertChunk(t, store, storage.Chunk{Path: "near.go", Text: "func Near() {}", Kind: storage.KindFunction, Language: "go", Dense: []float32{1, 0, 0}})
	insertChunk(t, store, storage.Chunk{Path: "far.go", Text: "func Far() {}", Kind: storage.KindFunction, Language: "go", Dense: []float32{0, 1, 0}})

	r := New(store, &fakeCaller{})
	results, err := r.Search(context.Background(), Query{Text: "near", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near.go", results[0].Path)
}

func TestSearchAppliesFunctionBoostOverModule(t *testing.T) {
	store := setupStore(t)
	// Neither chunk has a dense vector, so both come from FTS alone at
	// adjacent ranks (identical text); the function boost outweighs that
	// one-rank gap.
	insertChunk(t, store, storage.Chunk{Path: "plain.go", Text: "search logic here", Kind: storage.KindModule, Language: "go"})
	insertChunk(t, store, storage.Chunk{Path: "fn.go", Text: "search logic here", Kind: storage.KindFunction, Language: "go"})

	r := New(store, &fakeCaller{})
	results, err := r.Search(context.Background(), Query{Text: "search logic", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fn.go", results[0].Path)
}

func TestSearchDemotesTestFiles(t *testing.T) {
	store := setupStore(t)
	insertChunk(t, store, storage.Chunk{Path: "pkg/widget.go", Text: "widget logic", Kind: storage.KindModule, Language: "go"})
	insertChunk(t, store, storage.Chunk{Path: "pkg/widget_test.go", Text: "widget logic", Kind: storage.KindModule, Language: "go"})

	r := New(store, &fakeCaller{})
	results, err := r.Search(context.Background(), Query{Text: "widget logic", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "pkg/widget.go", results[0].Path)
}

func TestSearchHonorsPathPrefix(t *testing.T) {
	store := setupStore(t)
	insertChunk(t, store, storage.Chunk{Path: "a/one.go", Text: "widget logic", Kind: storage.KindModule, Language: "go"})
	insertChunk(t, store, storage.Chunk{Path: "b/two.go", Text: "widget logic", Kind: storage.KindModule, Language: "go"})

	r := New(store, &fakeCaller{})
	results, err := r.Search(context.Background(), Query{Text: "widget logic", K: 5, PathPrefix: "a/"})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, "a/one.go", res.Path)
	}
}

func TestSearchHonorsFilterDSL(t *testing.T) {
	store := setupStore(t)
	insertChunk(t, store, storage.Chunk{Path: "a.go", Text: "widget logic", Kind: storage.KindModule, Language: "go"})
	insertChunk(t, store, storage.Chunk{Path: "a.py", Text: "widget logic", Kind: storage.KindModule, Language: "python"})

	r := New(store, &fakeCaller{})
	results, err := r.Search(context.Background(), Query{
		Text:   "widget logic",
		K:      5,
		Filter: &Filter{Key: "language", Op: OpEquals, Value: "python"},
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, "a.py", res.Path)
	}
}

func TestSearchRejectsInvalidFilter(t *testing.T) {
	store := setupStore(t)
	r := New(store, &fakeCaller{})
	_, err := r.Search(context.Background(), Query{
		Text:   "anything",
		K:      5,
		Filter: &Filter{Key: "owner", Op: OpEquals, Value: "x"},
	})
	assert.Error(t, err)
}

func TestSerializeTSVFormat(t *testing.T) {
	results := []Result{{
		Path: "a.go", LineStart: 1, LineEnd: 3, Score: 0.9, Role: "implementation",
		DefinedSymbols: []string{"Foo", "Bar"}, Text: "func Foo() {}\nmore",
	}}
	tsv := SerializeTSV(results)
	assert.Contains(t, tsv, "a.go\t1-3\t0.9000\timplementation\thigh\tFoo,Bar\tfunc Foo() {}")
}

func TestSerializeJSONRoundTrips(t *testing.T) {
	results := []Result{{Path: "a.go", LineStart: 1, LineEnd: 3, Score: 0.5, Rank: 1}}
	raw, err := SerializeJSON(results)
	require.NoError(t, err)

	var decoded []Result
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, results, decoded)
}

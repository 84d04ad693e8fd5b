// Package retriever implements the hybrid search pipeline: parallel
// dense/FTS candidate generation, Reciprocal Rank Fusion, structural
// boosts, and a MaxSim rerank stage run through the embedding pool. It
// generalizes the teacher's searcher.Searcher from a single vector
// column and no rerank stage into the two-vector, DSL-filtered,
// colbert-reranked pipeline this spec needs, keeping the same
// goroutine-fan-out-then-fuse shape.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/osgrep/osgrep-core/internal/storage"
	"github.com/osgrep/osgrep-core/internal/workerpool/protocol"
)

// defaultCacheTTL mirrors the teacher's searcher.Searcher default: a
// fixed-size LRU fronts the pipeline keyed by query+filters, since the
// same query against an unchanged index should not re-pay encode+rerank
// RPCs.
const defaultCacheTTL = time.Hour

// rrfK is the Reciprocal Rank Fusion constant from spec.md §4.6.
const rrfK = 60.0

// rerankAlpha weights MaxSim against the boosted fused score in the
// final rerank stage (spec.md §4.6 stage 4).
const rerankAlpha = 0.7

// Caller is the narrow pool dependency the retriever needs: query
// encoding and MaxSim rerank.
type Caller interface {
	Call(ctx context.Context, op protocol.Op, payload any) (json.RawMessage, error)
}

// Query is one search request.
type Query struct {
	Text       string
	K          int
	PathPrefix string
	Filter     *Filter
}

// Provenance records which candidate lists surfaced a result and its
// rerank score, per spec.md §4.6's output record.
type Provenance struct {
	VectorRank  *int     `json:"vector_rank,omitempty"`
	FTSRank     *int     `json:"fts_rank,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Result is one ranked hit.
type Result struct {
	Text           string     `json:"text"`
	Path           string     `json:"path"`
	LineStart      int        `json:"line_start"`
	LineEnd        int        `json:"line_end"`
	Role           string     `json:"role"`
	DefinedSymbols []string   `json:"defined_symbols"`
	Score          float64    `json:"score"`
	Rank           int        `json:"rank"`
	Provenance     Provenance `json:"provenance"`
}

// Retriever owns one project's search path.
type Retriever struct {
	store storage.Storage
	pool  Caller

	cacheMu sync.RWMutex
	cache   *lru.Cache[[32]byte, cachedResult]
}

type cachedResult struct {
	results   []Result
	expiresAt time.Time
}

// New builds a Retriever over store, dispatching query encoding and
// rerank RPCs through pool. Results are cached for defaultCacheTTL,
// keyed by query text, k, path prefix, and filter, matching the
// teacher's searcher.Searcher LRU-plus-TTL pattern.
func New(store storage.Storage, pool Caller) *Retriever {
	cache, err := lru.New[[32]byte, cachedResult](1000)
	if err != nil {
		panic(fmt.Sprintf("retriever: create result cache: %v", err))
	}
	return &Retriever{store: store, pool: pool, cache: cache}
}

type candidate struct {
	chunk      storage.Chunk
	vectorRank *int
	ftsRank    *int
	fused      float64
	boosted    float64
	// rerankScore is the MaxSim score from stage 4; nil when rerank did
	// not run.
	rerankScore *float64
}

// Search runs the full stage 1-4 pipeline and returns the top q.K
// results.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.K <= 0 {
		q.K = 10
	}
	if err := q.Filter.Validate(); err != nil {
		return nil, err
	}

	key := queryCacheKey(q)
	if cached, ok := r.lookupCache(key); ok {
		return cached, nil
	}

	encoded, err := r.encodeQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("retriever: encode query: %w", err)
	}

	preK := preRerankK(q.K)
	filters := storage.SearchFilters{PathPrefix: q.PathPrefix}

	var vectorResults []storage.VectorResult
	var textResults []storage.TextResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.store.VectorSearch(gctx, encoded.Dense, storage.VectorTargetDense, preK, filters)
		if err != nil {
			return fmt.Errorf("retriever: vector search: %w", err)
		}
		vectorResults = res
		return nil
	})
	g.Go(func() error {
		res, err := r.store.TextSearch(gctx, q.Text, preK, filters)
		if err != nil {
			return fmt.Errorf("retriever: text search: %w", err)
		}
		textResults = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Secondary pooled_colbert query: consulted only as a fallback, when
	// the primary dense+FTS candidate pool is thin (open question #1 in
	// spec.md §9; decision recorded in DESIGN.md).
	if len(vectorResults)+len(textResults) < preK && len(encoded.Colbert) > 0 {
		pooled := pooledQueryVector(encoded.Colbert)
		supplement, err := r.store.VectorSearch(ctx, pooled, storage.VectorTargetPooledColbert, preK, filters)
		if err == nil {
			vectorResults = mergeVectorResults(vectorResults, supplement)
		}
	}

	candidates := fuse(vectorResults, textResults)
	candidates = filterCandidates(candidates, q.Filter)
	applyStructuralBoosts(candidates, q.Text)
	sortCandidates(candidates)

	if len(candidates) > preK {
		candidates = candidates[:preK]
	}

	if err := r.rerank(ctx, encoded.Colbert, candidates); err != nil {
		return nil, fmt.Errorf("retriever: rerank: %w", err)
	}
	sortCandidates(candidates)

	if len(candidates) > q.K {
		candidates = candidates[:q.K]
	}
	results := toResults(candidates)
	r.storeCache(key, results)
	return results, nil
}

func (r *Retriever) lookupCache(key [32]byte) ([]Result, bool) {
	r.cacheMu.RLock()
	entry, ok := r.cache.Get(key)
	r.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		r.cacheMu.Lock()
		r.cache.Remove(key)
		r.cacheMu.Unlock()
		return nil, false
	}
	return entry.results, true
}

func (r *Retriever) storeCache(key [32]byte, results []Result) {
	r.cacheMu.Lock()
	r.cache.Add(key, cachedResult{results: results, expiresAt: time.Now().Add(defaultCacheTTL)})
	r.cacheMu.Unlock()
}

// queryCacheKey hashes the request shape the same way the teacher's
// computeQueryHash does: a deterministic string join, not a struct
// encoding, so field-order changes can't silently change cache keys.
func queryCacheKey(q Query) [32]byte {
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString("|")
	fmt.Fprintf(&b, "%d", q.K)
	b.WriteString("|")
	b.WriteString(q.PathPrefix)
	b.WriteString("|")
	if raw, err := json.Marshal(q.Filter); err == nil {
		b.Write(raw)
	}
	return sha256.Sum256([]byte(b.String()))
}

func (r *Retriever) encodeQuery(ctx context.Context, text string) (protocol.EncodeQueryResult, error) {
	raw, err := r.pool.Call(ctx, protocol.OpEncodeQuery, protocol.EncodeQueryRequest{Text: text})
	if err != nil {
		return protocol.EncodeQueryResult{}, err
	}
	var out protocol.EncodeQueryResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return protocol.EncodeQueryResult{}, fmt.Errorf("decode encode_query result: %w", err)
	}
	return out, nil
}

// preRerankK implements spec.md §4.6 stage 1's candidate budget.
func preRerankK(k int) int {
	if n := 4 * k; n > 40 {
		return n
	}
	return 40
}

// pooledQueryVector mirrors the worker's pooledColbert: mean then
// L2-normalize, so the query side of a pooled_colbert ANN search is
// comparable to the document side written by embed.go.
func pooledQueryVector(grid [][]float32) []float32 {
	if len(grid) == 0 {
		return nil
	}
	dim := len(grid[0])
	sum := make([]float32, dim)
	for _, row := range grid {
		for i, v := range row {
			if i < dim {
				sum[i] += v
			}
		}
	}
	var normSq float64
	for i := range sum {
		sum[i] /= float32(len(grid))
		normSq += float64(sum[i]) * float64(sum[i])
	}
	norm := float32(math.Sqrt(normSq))
	if norm == 0 {
		return sum
	}
	for i := range sum {
		sum[i] /= norm
	}
	return sum
}

func mergeVectorResults(primary, supplement []storage.VectorResult) []storage.VectorResult {
	seen := make(map[uuid.UUID]bool, len(primary))
	for _, v := range primary {
		seen[v.Chunk.ID] = true
	}
	out := primary
	for _, v := range supplement {
		if !seen[v.Chunk.ID] {
			out = append(out, v)
			seen[v.Chunk.ID] = true
		}
	}
	return out
}

// fuse implements spec.md §4.6 stage 2: merge by chunk id, score by RRF
// summed across whichever lists a candidate appears in.
func fuse(vectorResults []storage.VectorResult, textResults []storage.TextResult) []*candidate {
	byID := make(map[uuid.UUID]*candidate)
	order := make([]uuid.UUID, 0)

	get := func(c storage.Chunk) *candidate {
		if existing, ok := byID[c.ID]; ok {
			return existing
		}
		cand := &candidate{chunk: c}
		byID[c.ID] = cand
		order = append(order, c.ID)
		return cand
	}

	for rank, vr := range vectorResults {
		r := rank + 1
		cand := get(vr.Chunk)
		cand.vectorRank = &r
		cand.fused += 1.0 / (rrfK + float64(r))
	}
	for rank, tr := range textResults {
		r := rank + 1
		cand := get(tr.Chunk)
		cand.ftsRank = &r
		cand.fused += 1.0 / (rrfK + float64(r))
	}

	out := make([]*candidate, len(order))
	for i, id := range order {
		out[i] = byID[id]
	}
	return out
}

func filterCandidates(candidates []*candidate, f *Filter) []*candidate {
	if f == nil {
		return candidates
	}
	out := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if f.Match(c.chunk) {
			out = append(out, c)
		}
	}
	return out
}

var (
	testFilePattern = regexp.MustCompile(`(?i)(^|/)tests?/|\.test\.|_spec\.|_test\.`)
	docsDirPattern  = regexp.MustCompile(`(?i)(^|/)docs?/`)
	questionWords   = regexp.MustCompile(`(?i)\b(how|where|what|why)\b`)
)

// applyStructuralBoosts implements spec.md §4.6 stage 3's multiplicative
// rescoring, mutating each candidate's boosted field in place.
func applyStructuralBoosts(candidates []*candidate, query string) {
	isQuestion := questionWords.MatchString(query)
	for _, c := range candidates {
		score := c.fused
		switch c.chunk.Kind {
		case storage.KindFunction, storage.KindMethod, storage.KindClass:
			score *= 1.20
		}
		if testFilePattern.MatchString(c.chunk.Path) {
			score *= 0.75
		}
		if docsDirPattern.MatchString(c.chunk.Path) {
			score *= 0.85
		}
		if c.chunk.Kind == storage.KindAnchor && isQuestion {
			score *= 1.10
		}
		c.boosted = score
	}
}

func sortCandidates(candidates []*candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.boosted != b.boosted {
			return a.boosted > b.boosted
		}
		if a.chunk.Path != b.chunk.Path {
			return a.chunk.Path < b.chunk.Path
		}
		return a.chunk.LineStart < b.chunk.LineStart
	})
}

// rerank implements spec.md §4.6 stage 4: MaxSim against each
// candidate's colbert grid, blended with its boosted fused score.
func (r *Retriever) rerank(ctx context.Context, queryMatrix [][]float32, candidates []*candidate) error {
	if len(candidates) == 0 || len(queryMatrix) == 0 {
		return nil
	}

	req := protocol.RerankRequest{QueryMatrix: queryMatrix, Candidates: make([]protocol.RerankCandidate, len(candidates))}
	for i, c := range candidates {
		req.Candidates[i] = protocol.RerankCandidate{
			ID:            c.chunk.ID.String(),
			ColbertInt8:   packInt8Grid(c.chunk.ColbertTokens),
			ColbertTokens: len(c.chunk.ColbertTokens),
			ColbertDim:    colbertDim(c.chunk.ColbertTokens),
			Scale:         c.chunk.ColbertScale,
		}
	}

	raw, err := r.pool.Call(ctx, protocol.OpRerank, req)
	if err != nil {
		return err
	}
	var result protocol.RerankResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode rerank result: %w", err)
	}
	if len(result.Scores) != len(candidates) {
		return fmt.Errorf("rerank returned %d scores for %d candidates", len(result.Scores), len(candidates))
	}

	for i, c := range candidates {
		maxSim := result.Scores[i]
		c.rerankScore = &maxSim
		c.boosted = rerankAlpha*maxSim + (1-rerankAlpha)*c.boosted
	}
	return nil
}

func colbertDim(grid [][]int8) int {
	if len(grid) == 0 {
		return 0
	}
	return len(grid[0])
}

// packInt8Grid flattens a [tokens][dim]int8 grid row-major into bytes
// for the wire, the layout the worker's unpackInt8Grid decodes when it
// handles a rerank request.
func packInt8Grid(grid [][]int8) []byte {
	if len(grid) == 0 {
		return nil
	}
	dim := len(grid[0])
	buf := make([]byte, len(grid)*dim)
	for i, row := range grid {
		for j, v := range row {
			buf[i*dim+j] = byte(v)
		}
	}
	return buf
}

func toResults(candidates []*candidate) []Result {
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		score := c.boosted
		var prov Provenance
		prov.VectorRank = c.vectorRank
		prov.FTSRank = c.ftsRank
		prov.RerankScore = c.rerankScore
		out[i] = Result{
			Text:           c.chunk.Text,
			Path:           c.chunk.Path,
			LineStart:      c.chunk.LineStart,
			LineEnd:        c.chunk.LineEnd,
			Role:           string(c.chunk.Role),
			DefinedSymbols: c.chunk.DefinedSymbols,
			Score:          score,
			Rank:           i + 1,
			Provenance:     prov,
		}
	}
	return out
}

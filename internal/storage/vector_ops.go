package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// serializeVector encodes a float32 vector as a little-endian byte blob, 4
// bytes per component. A nil/empty vector serializes to a nil blob so an
// un-embedded chunk round-trips without allocating zero-length slices.
func serializeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func deserializeVector(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	n := len(blob) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}

// serializeColbertTokens packs a per-token int8 grid as
// [tokenCount:uint32][dim:uint32] followed by tokenCount*dim signed bytes.
func serializeColbertTokens(tokens [][]int8) []byte {
	if len(tokens) == 0 {
		return nil
	}
	dim := len(tokens[0])
	buf := make([]byte, 8+len(tokens)*dim)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(tokens)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(dim))
	for i, tok := range tokens {
		for j, b := range tok {
			buf[8+i*dim+j] = byte(b)
		}
	}
	return buf
}

func deserializeColbertTokens(blob []byte) [][]int8 {
	if len(blob) < 8 {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(blob[0:]))
	dim := int(binary.LittleEndian.Uint32(blob[4:]))
	if count == 0 || dim == 0 {
		return nil
	}
	tokens := make([][]int8, count)
	for i := 0; i < count; i++ {
		tok := make([]int8, dim)
		for j := 0; j < dim; j++ {
			tok[j] = int8(blob[8+i*dim+j])
		}
		tokens[i] = tok
	}
	return tokens
}

// QuantizeColbert converts a per-token float32 grid to int8 with a single
// shared scale, scale = max_abs / 127, matching the embedding worker's
// wire format for colbert embeddings.
func QuantizeColbert(tokens [][]float32) ([][]int8, float32) {
	var maxAbs float32
	for _, tok := range tokens {
		for _, f := range tok {
			if a := float32(math.Abs(float64(f))); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	scale := maxAbs / 127
	out := make([][]int8, len(tokens))
	for i, tok := range tokens {
		q := make([]int8, len(tok))
		for j, f := range tok {
			q[j] = int8(math.Round(float64(f / scale)))
		}
		out[i] = q
	}
	return out, scale
}

// DequantizeColbert reverses QuantizeColbert.
func DequantizeColbert(tokens [][]int8, scale float32) [][]float32 {
	out := make([][]float32, len(tokens))
	for i, tok := range tokens {
		f := make([]float32, len(tok))
		for j, v := range tok {
			f[j] = float32(v) * scale
		}
		out[i] = f
	}
	return out
}

// MaxSim computes the ColBERT-style late-interaction score between a query
// token grid and a document token grid: for each query token, take the max
// cosine similarity against any document token, then sum across query
// tokens. docTokens is expected already dequantized to float32.
func MaxSim(queryTokens [][]float32, docTokens [][]float32) float64 {
	var total float64
	for _, q := range queryTokens {
		var best float64
		for _, d := range docTokens {
			if sim := cosineSimilarity(q, d); sim > best {
				best = sim
			}
		}
		total += best
	}
	return total
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// VectorSearch scores every chunk's Dense or PooledColbert column against
// query with cosine similarity and returns the top-k. There is no native
// vector index in either build mode (see build_cgo.go/build_purego.go), so
// candidates are fetched with the row-level filters applied in SQL and
// scored in Go, matching the fallback path the CGO build would otherwise
// also need.
func (s *SQLiteStore) VectorSearch(ctx context.Context, query []float32, target VectorTarget, k int, filters SearchFilters) ([]VectorResult, error) {
	return vectorSearchWithQuerier(ctx, s.db, query, target, k, filters)
}
func (t *sqliteTx) VectorSearch(ctx context.Context, query []float32, target VectorTarget, k int, filters SearchFilters) ([]VectorResult, error) {
	return vectorSearchWithQuerier(ctx, t.tx, query, target, k, filters)
}

func vectorSearchWithQuerier(ctx context.Context, q querier, query []float32, target VectorTarget, k int, filters SearchFilters) ([]VectorResult, error) {
	column := "dense"
	if target == VectorTargetPooledColbert {
		column = "pooled_colbert"
	}
	where, args := buildFilterClause(filters)
	where = appendCondition(where, column+" IS NOT NULL")
	sqlStr := chunkSelectColumns + ", " + column + " FROM chunks WHERE " + where
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		c, vecBlob, err := scanChunkRowWithExtraVector(rows)
		if err != nil {
			return nil, err
		}
		vec := deserializeVector(vecBlob)
		results = append(results, VectorResult{Chunk: c, Similarity: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: vector search rows: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func scanChunkRowWithExtraVector(rows *sql.Rows) (Chunk, []byte, error) {
	var c Chunk
	var idStr, kind, role, definedSymbols string
	var dense, colbert, pooled, extra []byte
	var updatedAtMS int64
	err := rows.Scan(&idStr, &c.Path, &c.Hash, &c.LineStart, &c.LineEnd, &c.Text,
		&c.ContextPrev, &c.ContextNext, &c.Language, &kind, &role, &definedSymbols,
		&dense, &colbert, &c.ColbertScale, &pooled, &updatedAtMS, &extra)
	if err != nil {
		return Chunk{}, nil, fmt.Errorf("storage: scan chunk: %w", err)
	}
	parsed, err := scanChunkFields(idStr, kind, role, definedSymbols, dense, colbert, pooled, updatedAtMS, c)
	if err != nil {
		return Chunk{}, nil, err
	}
	return parsed, extra, nil
}

// scanChunkFields finishes decoding the fields scanChunkRow and
// scanChunkRowWithExtraVector both need after their raw Scan calls, so the
// uuid/enum/vector decoding logic lives in one place.
func scanChunkFields(idStr, kind, role, definedSymbols string, dense, colbert, pooled []byte, updatedAtMS int64, c Chunk) (Chunk, error) {
	id, err := parseChunkID(idStr)
	if err != nil {
		return Chunk{}, err
	}
	c.ID = id
	c.Kind = ChunkKind(kind)
	c.Role = ChunkRole(role)
	if definedSymbols != "" {
		c.DefinedSymbols = strings.Split(definedSymbols, "\n")
	}
	c.Dense = deserializeVector(dense)
	c.PooledColbert = deserializeVector(pooled)
	c.ColbertTokens = deserializeColbertTokens(colbert)
	c.UpdatedAt = msToTime(updatedAtMS)
	return c, nil
}

func buildFilterClause(filters SearchFilters) (string, []any) {
	clause := "1=1"
	var args []any
	if filters.PathPrefix != "" {
		clause = appendCondition(clause, "path LIKE ?")
		args = append(args, filters.PathPrefix+"%")
	}
	if len(filters.Languages) > 0 {
		ph, a := inClause(filters.Languages)
		clause = appendCondition(clause, "language IN ("+ph+")")
		args = append(args, a...)
	}
	if len(filters.Kinds) > 0 {
		strs := make([]string, len(filters.Kinds))
		for i, k := range filters.Kinds {
			strs[i] = string(k)
		}
		ph, a := inClause(strs)
		clause = appendCondition(clause, "kind IN ("+ph+")")
		args = append(args, a...)
	}
	if len(filters.Roles) > 0 {
		strs := make([]string, len(filters.Roles))
		for i, r := range filters.Roles {
			strs[i] = string(r)
		}
		ph, a := inClause(strs)
		clause = appendCondition(clause, "role IN ("+ph+")")
		args = append(args, a...)
	}
	return clause, args
}

func appendCondition(clause, cond string) string {
	return clause + " AND " + cond
}

// TextSearch runs an FTS5 bm25-ranked query over chunk text.
func (s *SQLiteStore) TextSearch(ctx context.Context, query string, k int, filters SearchFilters) ([]TextResult, error) {
	return textSearchWithQuerier(ctx, s.db, query, k, filters)
}
func (t *sqliteTx) TextSearch(ctx context.Context, query string, k int, filters SearchFilters) ([]TextResult, error) {
	return textSearchWithQuerier(ctx, t.tx, query, k, filters)
}

func textSearchWithQuerier(ctx context.Context, q querier, query string, k int, filters SearchFilters) ([]TextResult, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	where, args := buildFilterClause(filters)
	sqlStr := chunkSelectColumns + `, bm25(chunks_fts) AS score
FROM chunks JOIN chunks_fts ON chunks.rowid = chunks_fts.rowid
WHERE chunks_fts MATCH ? AND ` + where + `
ORDER BY score LIMIT ?`
	finalArgs := append([]any{sanitized}, args...)
	finalArgs = append(finalArgs, k)
	rows, err := q.QueryContext(ctx, sqlStr, finalArgs...)
	if err != nil {
		return nil, fmt.Errorf("storage: text search: %w", err)
	}
	defer rows.Close()

	var results []TextResult
	for rows.Next() {
		var c Chunk
		var idStr, kind, role, definedSymbols string
		var dense, colbert, pooled []byte
		var updatedAtMS int64
		var score float64
		err := rows.Scan(&idStr, &c.Path, &c.Hash, &c.LineStart, &c.LineEnd, &c.Text,
			&c.ContextPrev, &c.ContextNext, &c.Language, &kind, &role, &definedSymbols,
			&dense, &colbert, &c.ColbertScale, &pooled, &updatedAtMS, &score)
		if err != nil {
			return nil, fmt.Errorf("storage: scan text result: %w", err)
		}
		parsed, err := scanChunkFields(idStr, kind, role, definedSymbols, dense, colbert, pooled, updatedAtMS, c)
		if err != nil {
			return nil, err
		}
		results = append(results, TextResult{Chunk: parsed, Score: score})
	}
	return results, rows.Err()
}

var ftsOperatorPattern = regexp.MustCompile(`(?i)\b(AND|OR|NOT|NEAR)\b`)

// sanitizeFTSQuery escapes characters meaningful to FTS5 query syntax so a
// user's literal search text (which may contain quotes, parens, or the
// FTS5 boolean keywords) never gets interpreted as query syntax.
func sanitizeFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	replacer := strings.NewReplacer(`"`, `""`, `*`, ``, `(`, ``, `)`, ``)
	escaped := replacer.Replace(query)
	escaped = ftsOperatorPattern.ReplaceAllString(escaped, `""$1""`)
	return `"` + escaped + `"`
}

package worker

import (
	"crypto/sha256"
	"math"
	"strings"

	"github.com/osgrep/osgrep-core/internal/storage"
)

// VectorDim and ColbertDim are the fixed embedding widths from spec.md §3.
const (
	VectorDim  = 768
	ColbertDim = 48
)

// embedDense produces a deterministic, L2-normalized 768-wide vector for
// text. The actual neural encoder is explicitly out of scope (spec.md §1
// excludes "the ONNX runtime itself"); this hash-expansion generator is
// the pluggable stand-in, built the same way the teacher's LocalProvider
// stub derives a vector from a text's SHA-256 digest, just widened to
// VECTOR_DIM with a running counter so the digest can be stretched past
// its natural 32 bytes.
func embedDense(text string) []float32 {
	return normalize(hashExpand(text, VectorDim))
}

// tokenize splits text into the units the colbert grid has one row per.
// A whitespace split is a coarse stand-in for the real tokenizer (also
// out of scope), but is enough to exercise per-token scoring end to end.
// Bare punctuation tokens are dropped, the same skiplist treatment a real
// ColBERT tokenizer applies (spec.md §4.4), so they never contribute a
// MaxSim match on either side of a comparison.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if skipTokens[f] {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// embedColbertTokens produces one normalized ColbertDim-wide vector per
// token of text, each derived from a hash seeded with both the token and
// its position so repeated tokens don't collapse to identical rows.
func embedColbertTokens(text string) [][]float32 {
	tokens := tokenize(text)
	grid := make([][]float32, len(tokens))
	for i, tok := range tokens {
		grid[i] = normalize(hashExpand(tokenSeed(tok, i), ColbertDim))
	}
	return grid
}

func tokenSeed(token string, position int) string {
	var b strings.Builder
	b.WriteString(token)
	b.WriteByte(0)
	b.WriteString(string(rune(position % 1000)))
	return b.String()
}

// hashExpand stretches sha256(seed || counter) into n float32s in [-1,1].
func hashExpand(seed string, n int) []float32 {
	out := make([]float32, n)
	counter := byte(0)
	for i := 0; i < n; {
		digest := sha256.Sum256([]byte(seed + string(counter)))
		for j := 0; j < len(digest) && i < n; j, i = j+1, i+1 {
			out[i] = float32(digest[j])/127.5 - 1
		}
		counter++
	}
	return out
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f / norm
	}
	return out
}

// pooledColbert is the L2-normalized mean of a token grid, per spec.md
// §3's pooled_colbert definition.
func pooledColbert(grid [][]float32) []float32 {
	if len(grid) == 0 {
		return make([]float32, ColbertDim)
	}
	dim := len(grid[0])
	sum := make([]float32, dim)
	for _, tok := range grid {
		for j, v := range tok {
			sum[j] += v
		}
	}
	for j := range sum {
		sum[j] /= float32(len(grid))
	}
	return normalize(sum)
}

// embedHybrid computes the full document-side embedding set for text:
// dense vector, quantized colbert grid, and pooled colbert vector.
func embedHybrid(text string) (dense []float32, colbertInt8 [][]int8, scale float32, pooled []float32) {
	dense = embedDense(text)
	grid := embedColbertTokens(text)
	colbertInt8, scale = storage.QuantizeColbert(grid)
	pooled = pooledColbert(grid)
	return
}

package worker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeDropsSkipTokens(t *testing.T) {
	toks := tokenize("foo ( bar , baz )")
	assert.Equal(t, []string{"foo", "bar", "baz"}, toks)
}

func TestTokenizeFallsBackToWholeTextWhenAllSkipped(t *testing.T) {
	toks := tokenize("( , )")
	assert.Equal(t, []string{"( , )"}, toks)
}

func TestEmbedDenseIsUnitNormalized(t *testing.T) {
	v := embedDense("some source text")
	require.Len(t, v, VectorDim)
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-3)
}

func TestPooledColbertIsMeanOfGrid(t *testing.T) {
	grid := embedColbertTokens("alpha beta gamma")
	pooled := pooledColbert(grid)
	require.Len(t, pooled, ColbertDim)
	var sumSq float64
	for _, f := range pooled {
		sumSq += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-3)

	mean := make([]float64, ColbertDim)
	for _, row := range grid {
		for j, v := range row {
			mean[j] += float64(v) / float64(len(grid))
		}
	}
	var meanSq float64
	for _, m := range mean {
		meanSq += m * m
	}
	for j, m := range mean {
		assert.InDelta(t, m/math.Sqrt(meanSq), float64(pooled[j]), 1e-4)
	}
}

func TestEmbedHybridIsDeterministic(t *testing.T) {
	dense1, tokens1, scale1, pooled1 := embedHybrid("func Lookup() error")
	dense2, tokens2, scale2, pooled2 := embedHybrid("func Lookup() error")
	assert.Equal(t, dense1, dense2)
	assert.Equal(t, tokens1, tokens2)
	assert.Equal(t, scale1, scale2)
	assert.Equal(t, pooled1, pooled2)
}

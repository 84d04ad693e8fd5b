package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializeDeserializeVectorRoundTrip(t *testing.T) {
	v := []float32{0.1, -0.2, 3.0, -4.5}
	blob, err := serializeVector(v)
	assert.NoError(t, err)
	got := deserializeVector(blob)
	assert.Equal(t, v, got)
}

func TestSerializeVectorEmptyIsNil(t *testing.T) {
	blob, err := serializeVector(nil)
	assert.NoError(t, err)
	assert.Nil(t, blob)
	assert.Nil(t, deserializeVector(nil))
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, cosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestQuantizeDequantizeColbertRoundTrip(t *testing.T) {
	tokens := [][]float32{
		{1.0, -1.0, 0.5},
		{0.1, 0.2, -0.3},
	}
	quantized, scale := QuantizeColbert(tokens)
	require := assert.New(t)
	require.Len(quantized, 2)
	require.Greater(scale, float32(0))

	dequantized := DequantizeColbert(quantized, scale)
	for i := range tokens {
		for j := range tokens[i] {
			require.InDelta(tokens[i][j], dequantized[i][j], float64(scale)+0.01)
		}
	}
}

func TestQuantizeColbertAllZeroDoesNotPanic(t *testing.T) {
	tokens := [][]float32{{0, 0, 0}}
	quantized, scale := QuantizeColbert(tokens)
	assert.Equal(t, [][]int8{{0, 0, 0}}, quantized)
	assert.Greater(t, scale, float32(0))
}

func TestMaxSimPrefersExactTokenMatch(t *testing.T) {
	query := [][]float32{{1, 0, 0}}
	docA := [][]float32{{1, 0, 0}, {0, 1, 0}}
	docB := [][]float32{{0, 1, 0}, {0, 0, 1}}
	assert.Greater(t, MaxSim(query, docA), MaxSim(query, docB))
}

func TestSanitizeFTSQueryEscapesQuotesAndOperators(t *testing.T) {
	got := sanitizeFTSQuery(`foo AND "bar" OR (baz)`)
	assert.NotContains(t, got, `(`)
	assert.Contains(t, got, `"AND"`)
}

func TestSanitizeFTSQueryEmpty(t *testing.T) {
	assert.Equal(t, "", sanitizeFTSQuery("   "))
}

package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep-core/internal/storage"
)

func TestFilterLeafOps(t *testing.T) {
	chunk := storage.Chunk{Path: "internal/retriever/retriever.go", Language: "go", Kind: storage.KindFunction}

	cases := []struct {
		name  string
		f     Filter
		match bool
	}{
		{"equals match", Filter{Key: "language", Op: OpEquals, Value: "go"}, true},
		{"equals mismatch", Filter{Key: "language", Op: OpEquals, Value: "python"}, false},
		{"starts_with match", Filter{Key: "path", Op: OpStartsWith, Value: "internal/retriever"}, true},
		{"starts_with mismatch", Filter{Key: "path", Op: OpStartsWith, Value: "cmd/"}, false},
		{"contains match", Filter{Key: "path", Op: OpContains, Value: "retriever"}, true},
		{"in match", Filter{Key: "kind", Op: OpIn, Value: []any{"FUNCTION", "METHOD"}}, true},
		{"in mismatch", Filter{Key: "kind", Op: OpIn, Value: []any{"CLASS"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, tc.f.Match(chunk))
		})
	}
}

func TestFilterCombinators(t *testing.T) {
	chunk := storage.Chunk{Path: "a/b.go", Language: "go", Kind: storage.KindFunction}

	all := Filter{All: []Filter{
		{Key: "language", Op: OpEquals, Value: "go"},
		{Key: "kind", Op: OpEquals, Value: "FUNCTION"},
	}}
	assert.True(t, all.Match(chunk))

	allFails := Filter{All: []Filter{
		{Key: "language", Op: OpEquals, Value: "go"},
		{Key: "kind", Op: OpEquals, Value: "CLASS"},
	}}
	assert.False(t, allFails.Match(chunk))

	any := Filter{Any: []Filter{
		{Key: "language", Op: OpEquals, Value: "python"},
		{Key: "kind", Op: OpEquals, Value: "FUNCTION"},
	}}
	assert.True(t, any.Match(chunk))

	not := Filter{Not: &Filter{Key: "language", Op: OpEquals, Value: "python"}}
	assert.True(t, not.Match(chunk))
}

func TestFilterNilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match(storage.Chunk{}))
}

func TestFilterValidateRejectsUnknownKeyAndOp(t *testing.T) {
	bad := Filter{Key: "owner", Op: OpEquals, Value: "x"}
	require.Error(t, bad.Validate())

	badOp := Filter{Key: "path", Op: "matches", Value: "x"}
	require.Error(t, badOp.Validate())

	ok := Filter{Key: "path", Op: OpContains, Value: "x"}
	require.NoError(t, ok.Validate())
}

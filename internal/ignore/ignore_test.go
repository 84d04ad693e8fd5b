package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherAppliesBakedInDenylist(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)

	assert.True(t, m.Match("package-lock.json", false))
	assert.True(t, m.Match("node_modules/pkg/index.js", false))
	assert.True(t, m.Match(".git/HEAD", false))
	assert.False(t, m.Match("main.go", false))
}

func TestMatcherLoadsGitignore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n/generated\n"), 0o644))

	m, err := New(dir)
	require.NoError(t, err)

	assert.True(t, m.Match("debug.log", false))
	assert.True(t, m.Match("generated", true))
	assert.False(t, m.Match("src/generated", true))
}

func TestMatcherNegationReincludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n!keep.log\n"), 0o644))

	m, err := New(dir)
	require.NoError(t, err)

	assert.True(t, m.Match("debug.log", false))
	assert.False(t, m.Match("keep.log", false))
}

func TestMatcherDirOnlyPatternIgnoresDirNotFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".osgrepignore"), []byte("vendor/\n"), 0o644))

	m, err := New(dir)
	require.NoError(t, err)

	assert.True(t, m.Match("vendor", true))
	assert.True(t, m.Match("vendor/lib.go", false))
	assert.False(t, m.Match("vendor", false))
}

package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep-core/internal/storage"
)

const goSample = `package widgets

import (
	"fmt"
	"strings"
	"errors"
	"context"
	"time"
	"sync"
)

// WidgetHandler orchestrates widget requests.
type WidgetHandler struct {
	repo WidgetRepository
}

// WidgetRepository stores widgets.
type WidgetRepository interface {
	Save(w string) error
}

// RequestHandler processes a widget request.
func (h *WidgetHandler) RequestHandler(w string) error {
	fmt.Println(w)
	return h.repo.Save(w)
}

func helper() string {
	return strings.ToUpper("x")
}
`

func TestChunkFileGoProducesAnchorFirst(t *testing.T) {
	hash := ComputeFileHash([]byte(goSample))
	records, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, storage.KindAnchor, records[0].Kind)
	assert.Contains(t, records[0].Text, "widgets.go")
	assert.Contains(t, records[0].Text, "fmt")
}

func TestChunkFileGoAssignsRoles(t *testing.T) {
	hash := ComputeFileHash([]byte(goSample))
	records, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)

	byFirstSymbol := map[string]Record{}
	for _, r := range records {
		if len(r.DefinedSymbols) > 0 {
			byFirstSymbol[r.DefinedSymbols[0]] = r
		}
	}

	require.Contains(t, byFirstSymbol, "WidgetHandler")
	assert.Equal(t, storage.RoleDefinition, byFirstSymbol["WidgetHandler"].Role)
	assert.Equal(t, storage.KindClass, byFirstSymbol["WidgetHandler"].Kind)

	require.Contains(t, byFirstSymbol, "WidgetHandler.RequestHandler")
	assert.Equal(t, storage.RoleOrchestration, byFirstSymbol["WidgetHandler.RequestHandler"].Role)

	require.Contains(t, byFirstSymbol, "helper")
	assert.Equal(t, storage.RoleImplementation, byFirstSymbol["helper"].Role)
}

func TestChunkFilePrependsBreadcrumb(t *testing.T) {
	hash := ComputeFileHash([]byte(goSample))
	records, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)

	for _, r := range records {
		if r.Kind == storage.KindAnchor {
			continue
		}
		assert.True(t, strings.HasPrefix(r.Text, "widgets.go · "+string(r.Kind)+" · "))
	}
}

func TestChunkFileFallsBackForUnknownExtension(t *testing.T) {
	content := strings.Repeat("line\n", 10)
	records, err := ChunkFile("notes.txt", []byte(content), "deadbeef")
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, storage.KindAnchor, records[0].Kind)
	assert.Equal(t, storage.KindFallback, records[1].Kind)
}

func TestChunkFileEmptyContentProducesNoChunks(t *testing.T) {
	records, err := ChunkFile("empty.go", []byte(""), "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChunkFileFallbackWindowsStayWithinCharBound(t *testing.T) {
	content := strings.Repeat("x = 1\n", MaxChunkLines*3)
	records, err := ChunkFile("big.txt", []byte(content), "deadbeef")
	require.NoError(t, err)

	var maxLen int
	for _, r := range records {
		if r.Kind == storage.KindFallback && len(r.Text) > maxLen {
			maxLen = len(r.Text)
		}
	}
	assert.LessOrEqual(t, maxLen, MaxChunkChars+MaxChunkLines*len("x = 1\n"))
}

func TestChunkFileDeterministicAcrossRuns(t *testing.T) {
	hash := ComputeFileHash([]byte(goSample))
	first, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)
	second, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].LineStart, second[i].LineStart)
		assert.Equal(t, first[i].LineEnd, second[i].LineEnd)
	}
}

func TestChunkFileAttachesContext(t *testing.T) {
	hash := ComputeFileHash([]byte(goSample))
	records, err := ChunkFile("widgets.go", []byte(goSample), hash)
	require.NoError(t, err)

	var helperRec *Record
	for i := range records {
		if len(records[i].DefinedSymbols) > 0 && records[i].DefinedSymbols[0] == "helper" {
			helperRec = &records[i]
		}
	}
	require.NotNil(t, helperRec)
	assert.NotEmpty(t, helperRec.ContextPrev)
}

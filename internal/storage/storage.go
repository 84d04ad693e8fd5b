// Package storage implements the vector + full-text store that backs the
// sync and retrieval paths. Chunk records are keyed by repository-relative
// path rather than by a file row ID: the sync algorithm deletes and
// re-inserts whole-file chunk sets, so there is no foreign key to maintain
// across a rename, and look-ups during retrieval never need a join back to
// a files table.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by Storage implementations. Callers should use
// errors.Is rather than comparing storage-specific error values directly.
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrAlreadyExists       = errors.New("storage: already exists")
	ErrSchemaTooNew        = errors.New("storage: schema version newer than supported")
	ErrClosed              = errors.New("storage: store is closed")
	ErrUnsupportedFTSField = errors.New("storage: unsupported fts field")
)

// ChunkKind classifies the syntactic unit a chunk was carved from.
type ChunkKind string

const (
	KindFunction ChunkKind = "FUNCTION"
	KindClass    ChunkKind = "CLASS"
	KindMethod   ChunkKind = "METHOD"
	KindModule   ChunkKind = "MODULE"
	KindAnchor   ChunkKind = "ANCHOR"   // whole-file summary chunk, always present
	KindBlock    ChunkKind = "BLOCK"    // non-declaration top-level block under a grammar
	KindFallback ChunkKind = "FALLBACK" // line-window chunk, no grammar available
)

// ChunkRole is the architectural-layer heuristic assigned to a chunk.
type ChunkRole string

const (
	RoleOrchestration  ChunkRole = "orchestration"
	RoleDefinition     ChunkRole = "definition"
	RoleImplementation ChunkRole = "implementation"
	RoleUnknown        ChunkRole = ""
)

// Chunk is one unit of indexed source text, together with its embeddings.
// ID is stable for the lifetime of a chunk: the syncer always deletes and
// re-inserts rather than updating a chunk in place, so a fresh ID is minted
// on every insert.
type Chunk struct {
	ID   uuid.UUID
	Path string
	Hash string // content hash of the source file the chunk came from, hex-encoded sha256

	LineStart int
	LineEnd   int

	Text        string
	ContextPrev string // source lines just before the chunk (see chunker.ContextLines)
	ContextNext string

	Language       string
	Kind           ChunkKind
	Role           ChunkRole
	DefinedSymbols []string

	// Dense is the single-vector embedding used for coarse ANN search.
	Dense []float32

	// Colbert holds one vector per token of Text, quantized to int8 with a
	// single shared scale factor (scale = max_abs_value / 127). Empty until
	// the embedding worker has processed the chunk.
	ColbertTokens [][]int8
	ColbertScale  float32

	// PooledColbert is the L2-normalized mean of ColbertTokens before quantization,
	// stored at full precision as a secondary ANN target (see
	// DESIGN.md "pooled_colbert consultation policy").
	PooledColbert []float32

	UpdatedAt time.Time
}

// MetaEntry is the per-path fingerprint the syncer compares against the
// filesystem to decide whether a file needs re-chunking.
type MetaEntry struct {
	Path      string
	Hash      string // content hash of the whole file
	MTimeMS   int64
	SizeBytes int64
}

// SearchFilters narrows a vector or text search to a subset of chunks.
// Zero-value fields are unconstrained.
type SearchFilters struct {
	PathPrefix string
	Languages  []string
	Kinds      []ChunkKind
	Roles      []ChunkRole
}

// VectorResult is one hit from a vector similarity search, joined with its
// full chunk record so the caller never needs a second round trip.
type VectorResult struct {
	Chunk      Chunk
	Similarity float64
}

// TextResult is one hit from an FTS5 search.
type TextResult struct {
	Chunk Chunk
	Score float64 // bm25 score, lower is more relevant
}

// HealthStatus reports the store's self-diagnosed condition.
type HealthStatus struct {
	SchemaVersion   string
	ChunkCount      int64
	DriverName      string
	VectorExtension bool
}

// Storage is the contract the syncer and retriever depend on. A single
// *SQLiteStore implements it directly; WithTx hands a transactional view
// to the same interface so callers never need to special-case commit
// ordering.
type Storage interface {
	// InsertChunks appends chunk records. IDs must already be set.
	InsertChunks(ctx context.Context, chunks []Chunk) error

	// DeleteByPaths removes every chunk whose Path is in paths.
	DeleteByPaths(ctx context.Context, paths []string) error

	// ListPaths returns every distinct path with at least one chunk.
	ListPaths(ctx context.Context) ([]string, error)

	// HasAnyRows reports whether the chunk table is non-empty, used to
	// distinguish "never synced" from "synced, nothing indexed".
	HasAnyRows(ctx context.Context) (bool, error)

	// GetMeta returns the metadata entry for path, or ErrNotFound.
	GetMeta(ctx context.Context, path string) (MetaEntry, error)
	// PutMeta upserts the metadata entry for path.
	PutMeta(ctx context.Context, entry MetaEntry) error
	// DeleteMeta removes the metadata entries for paths.
	DeleteMeta(ctx context.Context, paths []string) error
	// ListMetaPaths returns every path with a metadata entry.
	ListMetaPaths(ctx context.Context) ([]string, error)

	// VectorSearch returns the top-k chunks by cosine similarity against
	// query, over either the dense or pooled_colbert column.
	VectorSearch(ctx context.Context, query []float32, target VectorTarget, k int, filters SearchFilters) ([]VectorResult, error)

	// TextSearch returns the top-k chunks by bm25 rank for an FTS5 query.
	TextSearch(ctx context.Context, query string, k int, filters SearchFilters) ([]TextResult, error)

	// GetChunksByIDs fetches full chunk records, including colbert token
	// grids, for the MaxSim rerank stage.
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error)

	// CreateFTSIndex idempotently ensures an FTS5 index exists over
	// field. Only "text" is supported today since it is the only
	// free-text column in the data model; any other field is rejected.
	CreateFTSIndex(ctx context.Context, field string) error

	// Drop clears every chunk and metadata row, leaving the schema in
	// place. Idempotent: dropping an already-empty store is a no-op.
	Drop(ctx context.Context) error

	// WithTx runs fn against a transactional Storage; fn's error aborts
	// the transaction, nil commits it.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	// Health reports store diagnostics.
	Health(ctx context.Context) (HealthStatus, error)

	// Close releases the underlying connection.
	Close() error
}

// VectorTarget selects which embedding column a vector search runs
// against.
type VectorTarget string

const (
	VectorTargetDense         VectorTarget = "dense"
	VectorTargetPooledColbert VectorTarget = "pooled_colbert"
)

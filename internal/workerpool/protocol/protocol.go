// Package protocol defines the newline-delimited JSON-RPC wire format
// spoken between the pool (parent process) and each embedding worker
// (child process), over the child's stdin/stdout. Per spec.md §9's
// redesign note, requests are a sum type over a tagged Op rather than an
// ad hoc dynamic object: each Op has its own typed payload and result,
// and the pool dispatches purely on the tag.
package protocol

import "encoding/json"

// Op names the worker operation a Request invokes.
type Op string

const (
	OpComputeHybrid Op = "compute_hybrid"
	OpEncodeQuery   Op = "encode_query"
	OpRerank        Op = "rerank"
	OpProcessFile   Op = "process_file"
)

// Request is one line of the wire protocol sent parent → child. ID is a
// fresh 128-bit UUID string minted by the pool; the child echoes it back
// unchanged on Response so the pool's pending-request map can route the
// reply even if responses arrive out of order.
type Request struct {
	ID      string          `json:"id"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Response is one line of the wire protocol sent child → parent.
type Response struct {
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	Err       string          `json:"err,omitempty"`
	MemoryRSS int64           `json:"memory_rss,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ComputeHybridRequest batches texts for dense + late-interaction
// embedding. Used for document-side (process_file composes this
// internally) and direct batch-embed calls.
type ComputeHybridRequest struct {
	Texts []string `json:"texts"`
}

// EmbeddingItem is one text's embedding output from compute_hybrid.
type EmbeddingItem struct {
	Dense         []float32 `json:"dense"`
	ColbertInt8   []byte    `json:"colbert_int8_blob"`
	ColbertTokens int       `json:"colbert_tokens"`
	ColbertDim    int       `json:"colbert_dim"`
	Scale         float32   `json:"scale"`
	Pooled        []float32 `json:"pooled"`
}

// ComputeHybridResult is the compute_hybrid response payload.
type ComputeHybridResult struct {
	Items []EmbeddingItem `json:"items"`
}

// EncodeQueryRequest encodes a single query string. Unlike document
// embedding, the query's colbert grid is kept at full f32 precision and
// unpooled, since it's scored against immediately and never stored.
type EncodeQueryRequest struct {
	Text string `json:"text"`
}

// EncodeQueryResult is the encode_query response payload.
type EncodeQueryResult struct {
	Dense   []float32   `json:"dense"`
	Colbert [][]float32 `json:"colbert"`
}

// RerankCandidate is one document's quantized colbert grid to score
// against a query matrix.
type RerankCandidate struct {
	ID            string  `json:"id"`
	ColbertInt8   []byte  `json:"colbert_int8_blob"`
	ColbertTokens int     `json:"colbert_tokens"`
	ColbertDim    int     `json:"colbert_dim"`
	Scale         float32 `json:"scale"`
}

// RerankRequest asks the worker to compute MaxSim between a query matrix
// and a batch of candidate document grids.
type RerankRequest struct {
	QueryMatrix [][]float32       `json:"query_matrix"`
	Candidates  []RerankCandidate `json:"candidates"`
}

// RerankResult is the rerank response payload: one score per candidate,
// in the same order as RerankRequest.Candidates.
type RerankResult struct {
	Scores []float64 `json:"scores"`
}

// ProcessFileRequest asks the worker to chunk and embed a whole file in
// one round trip, for locality (spec.md §4.4: "composition of Chunker +
// compute_hybrid inside the worker").
type ProcessFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Hash    string `json:"hash"`
}

// ChunkRecordWire is the wire form of a chunker.Record plus its embedding,
// flattened so the worker process doesn't need to depend on the parent's
// storage package types.
type ChunkRecordWire struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	FileHash       string    `json:"file_hash"`
	LineStart      int       `json:"line_start"`
	LineEnd        int       `json:"line_end"`
	Text           string    `json:"text"`
	ContextPrev    string    `json:"context_prev"`
	ContextNext    string    `json:"context_next"`
	Language       string    `json:"language"`
	Kind           string    `json:"kind"`
	Role           string    `json:"role"`
	DefinedSymbols []string  `json:"defined_symbols"`
	Dense          []float32 `json:"dense"`
	ColbertInt8    []byte    `json:"colbert_int8_blob"`
	ColbertTokens  int       `json:"colbert_tokens"`
	ColbertDim     int       `json:"colbert_dim"`
	Scale          float32   `json:"scale"`
	Pooled         []float32 `json:"pooled"`
}

// ProcessFileResult is the process_file response payload.
type ProcessFileResult struct {
	Records []ChunkRecordWire `json:"records"`
}

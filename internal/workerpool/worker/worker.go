// Package worker implements the embedding worker subprocess: a
// newline-delimited JSON-RPC loop over stdin/stdout that composes
// chunking and embedding inside a single process-isolated address space,
// per spec.md §4.4. One Run call is the entire lifetime of a worker
// process; the pool spawns one OS process per pool slot and talks to it
// exclusively through this loop.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/osgrep/osgrep-core/internal/chunker"
	"github.com/osgrep/osgrep-core/internal/storage"
	"github.com/osgrep/osgrep-core/internal/workerpool/protocol"
)

// skipTokens are single-character tokens MaxSim should never reward a
// match against, mirroring a real ColBERT tokenizer's punctuation
// skiplist (spec.md §4.4) since the stand-in tokenizer here is a plain
// whitespace split and would otherwise let bare punctuation dominate
// short queries.
var skipTokens = map[string]bool{
	".": true, ",": true, ":": true, ";": true, "(": true, ")": true,
	"{": true, "}": true, "[": true, "]": true, "\"": true, "'": true,
}

// Run reads Requests from r, dispatches each to its handler, and writes
// the Response to w, one JSON object per line, until r reaches EOF.
func Run(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		resp := handle(req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("worker: write response: %w", err)
		}
	}
	return scanner.Err()
}

func handle(req protocol.Request) protocol.Response {
	var (
		result any
		err    error
	)
	switch req.Op {
	case protocol.OpComputeHybrid:
		result, err = handleComputeHybrid(req.Payload)
	case protocol.OpEncodeQuery:
		result, err = handleEncodeQuery(req.Payload)
	case protocol.OpRerank:
		result, err = handleRerank(req.Payload)
	case protocol.OpProcessFile:
		result, err = handleProcessFile(req.Payload)
	default:
		err = fmt.Errorf("worker: unknown op %q", req.Op)
	}

	resp := protocol.Response{ID: req.ID, MemoryRSS: currentRSS()}
	if err != nil {
		resp.OK = false
		resp.Err = err.Error()
		return resp
	}
	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		resp.OK = false
		resp.Err = marshalErr.Error()
		return resp
	}
	resp.OK = true
	resp.Result = payload
	return resp
}

func handleComputeHybrid(raw json.RawMessage) (protocol.ComputeHybridResult, error) {
	var req protocol.ComputeHybridRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.ComputeHybridResult{}, err
	}
	items := make([]protocol.EmbeddingItem, len(req.Texts))
	for i, text := range req.Texts {
		items[i] = embedItem(text)
	}
	return protocol.ComputeHybridResult{Items: items}, nil
}

func embedItem(text string) protocol.EmbeddingItem {
	dense, colbertInt8, scale, pooled := embedHybrid(text)
	blob := packInt8Grid(colbertInt8)
	return protocol.EmbeddingItem{
		Dense:         dense,
		ColbertInt8:   blob,
		ColbertTokens: len(colbertInt8),
		ColbertDim:    ColbertDim,
		Scale:         scale,
		Pooled:        pooled,
	}
}

func handleEncodeQuery(raw json.RawMessage) (protocol.EncodeQueryResult, error) {
	var req protocol.EncodeQueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.EncodeQueryResult{}, err
	}
	return protocol.EncodeQueryResult{
		Dense:   embedDense(req.Text),
		Colbert: embedColbertTokens(req.Text),
	}, nil
}

func handleRerank(raw json.RawMessage) (protocol.RerankResult, error) {
	var req protocol.RerankRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.RerankResult{}, err
	}
	scores := make([]float64, len(req.Candidates))
	for i, cand := range req.Candidates {
		grid := unpackInt8Grid(cand.ColbertInt8, cand.ColbertTokens, cand.ColbertDim)
		doc := storage.DequantizeColbert(grid, cand.Scale)
		scores[i] = storage.MaxSim(req.QueryMatrix, doc)
	}
	return protocol.RerankResult{Scores: scores}, nil
}

func handleProcessFile(raw json.RawMessage) (protocol.ProcessFileResult, error) {
	var req protocol.ProcessFileRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.ProcessFileResult{}, err
	}
	records, err := chunker.ChunkFile(req.Path, req.Content, req.Hash)
	if err != nil {
		return protocol.ProcessFileResult{}, err
	}
	out := make([]protocol.ChunkRecordWire, len(records))
	for i, rec := range records {
		out[i] = wireFromRecord(rec)
	}
	return protocol.ProcessFileResult{Records: out}, nil
}

func wireFromRecord(rec chunker.Record) protocol.ChunkRecordWire {
	dense, colbertInt8, scale, pooled := embedHybrid(rec.Text)
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return protocol.ChunkRecordWire{
		ID:             id.String(),
		Path:           rec.Path,
		FileHash:       rec.FileHash,
		LineStart:      rec.LineStart,
		LineEnd:        rec.LineEnd,
		Text:           rec.Text,
		ContextPrev:    rec.ContextPrev,
		ContextNext:    rec.ContextNext,
		Language:       rec.Language,
		Kind:           string(rec.Kind),
		Role:           string(rec.Role),
		DefinedSymbols: rec.DefinedSymbols,
		Dense:          dense,
		ColbertInt8:    packInt8Grid(colbertInt8),
		ColbertTokens:  len(colbertInt8),
		ColbertDim:     ColbertDim,
		Scale:          scale,
		Pooled:         pooled,
	}
}

// packInt8Grid flattens a [tokens][dim]int8 grid row-major into bytes for
// the wire; unpackInt8Grid is its inverse given the token/dim counts that
// travel alongside it in the same message.
func packInt8Grid(grid [][]int8) []byte {
	if len(grid) == 0 {
		return nil
	}
	dim := len(grid[0])
	out := make([]byte, 0, len(grid)*dim)
	for _, row := range grid {
		for _, v := range row {
			out = append(out, byte(v))
		}
	}
	return out
}

func unpackInt8Grid(blob []byte, tokens, dim int) [][]int8 {
	if tokens == 0 || dim == 0 {
		return nil
	}
	grid := make([][]int8, tokens)
	for i := 0; i < tokens; i++ {
		row := make([]int8, dim)
		for j := 0; j < dim; j++ {
			idx := i*dim + j
			if idx < len(blob) {
				row[j] = int8(blob[idx])
			}
		}
		grid[i] = row
	}
	return grid
}

// currentRSS reports the total memory the Go runtime has obtained from the
// OS (runtime.MemStats.Sys) as a proxy for resident memory, so the pool
// can enforce a per-worker memory ceiling without a platform-specific RSS
// syscall.
func currentRSS() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Sys)
}

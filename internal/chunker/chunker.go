// Package chunker turns a file's bytes into an ordered list of chunk
// records: one per top-level declaration when a grammar is available,
// a line-window fallback otherwise, plus a single anchor chunk per file.
// It mirrors the teacher's internal/chunker+internal/parser split, but
// generalizes the one-language AST walk into a grammar-dispatch table and
// adds the breadcrumb/anchor/role machinery the teacher never needed.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/osgrep/osgrep-core/internal/chunker/langgo"
	"github.com/osgrep/osgrep-core/internal/storage"
)

const (
	// MaxChunkLines/MaxChunkChars size the chunks. A record whose text is
	// longer than MaxChunkChars, including one produced by a grammar
	// declaration, is re-split into windows of MaxChunkLines lines that
	// share OverlapLines lines, the same windows as the line-window
	// fallback. The split counts lines only: a window of long lines can
	// still exceed MaxChunkChars, a declaration longer than MaxChunkLines
	// lines but within MaxChunkChars is kept whole, and OverlapChars is not
	// used by the splitter.
	MaxChunkLines = 120
	MaxChunkChars = 6000
	OverlapLines  = 15
	OverlapChars  = 600

	// ContextLines is how many neighboring lines outside a chunk's own
	// window are captured into context_prev/context_next.
	ContextLines = 4

	// orchestrationImportThreshold is the "many modules" heuristic from
	// the role-assignment rule: a file importing at least this many
	// packages is a candidate for ORCHESTRATION, subject to also
	// exposing an entry-point-shaped exported symbol.
	orchestrationImportThreshold = 5
)

// grammars maps a file extension to the grammar name the dispatch table
// recognizes. Only Go has a grammar implementation today (see
// internal/chunker/langgo); every other extension in the indexable set
// (spec.md §6) still gets indexed, via the line-window fallback below.
var grammars = map[string]string{
	".go": "go",
}

// Record is a chunk emitted by the driver before the embedding worker
// pool has attached vectors. The syncer copies these fields verbatim into
// a storage.Chunk once embeddings come back.
type Record struct {
	ID             uuid.UUID
	Path           string
	FileHash       string
	LineStart      int
	LineEnd        int
	Text           string
	ContextPrev    string
	ContextNext    string
	Language       string
	Kind           storage.ChunkKind
	Role           storage.ChunkRole
	DefinedSymbols []string
}

// ChunkFile builds the ordered chunk list for one file's content. fileHash
// is the SHA-256 hex digest of content, computed once by the caller since
// the syncer also needs it for the metadata cache entry.
func ChunkFile(path string, content []byte, fileHash string) ([]Record, error) {
	lines := splitLines(string(content))
	if len(lines) == 0 {
		return nil, nil
	}

	grammar, ok := grammars[extOf(path)]
	var body []Record
	var anchor Record

	if ok {
		var err error
		body, anchor, err = chunkWithGrammar(path, lines, fileHash, grammar)
		if err != nil {
			return nil, err
		}
	}
	if anchor.Path == "" {
		anchor = buildFallbackAnchor(path, lines, fileHash)
	}
	if body == nil {
		body = chunkByLineWindow(path, lines, fileHash)
	}

	body = splitOversizeRecords(body, lines)
	attachContext(body, lines)
	for i := range body {
		body[i].Text = breadcrumb(body[i].Path, body[i].Kind, body[i].DefinedSymbols) + body[i].Text
	}

	out := make([]Record, 0, len(body)+1)
	out = append(out, anchor)
	out = append(out, body...)
	return out, nil
}

// ComputeFileHash hashes whole-file content the same way every caller
// needs: hex-encoded SHA-256, matching the Chunk.Hash wire format.
func ComputeFileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func chunkWithGrammar(path string, lines []string, fileHash, grammar string) ([]Record, Record, error) {
	switch grammar {
	case "go":
		return chunkGo(path, lines, fileHash)
	default:
		return nil, Record{}, fmt.Errorf("chunker: unknown grammar %q", grammar)
	}
}

func chunkGo(path string, lines []string, fileHash string) ([]Record, Record, error) {
	content := strings.Join(lines, "\n")
	res, err := langgo.Parse(path, []byte(content))
	if err != nil {
		return nil, Record{}, fmt.Errorf("chunker: parse %s: %w", path, err)
	}
	if res.SyntaxError != nil && res.PackageName == "" && len(res.Symbols) == 0 {
		// Parse produced no usable AST at all; let the caller fall back
		// fully to line-window chunking and the generic anchor.
		return nil, Record{}, nil
	}

	var exported []string
	for _, sym := range res.Symbols {
		if isExported(sym.Name) {
			exported = append(exported, sym.Name)
		}
	}

	var records []Record
	for _, sym := range res.Symbols {
		rec := recordFromSymbol(path, lines, fileHash, sym, len(res.Imports), exported)
		if rec != nil {
			records = append(records, *rec)
		}
	}

	imports := make([]string, len(res.Imports))
	for i, imp := range res.Imports {
		imports[i] = imp.Path
	}
	anchor := buildAnchor(path, fileHash, res.PackageDoc, imports, exported)
	return records, anchor, nil
}

func recordFromSymbol(path string, lines []string, fileHash string, sym langgo.Symbol, importCount int, exported []string) *Record {
	if sym.StartLine <= 0 || sym.EndLine <= 0 || sym.StartLine > len(lines) {
		return nil
	}
	start, end := sym.StartLine, sym.EndLine
	if end > len(lines) {
		end = len(lines)
	}
	text := strings.Join(lines[start-1:end], "\n")

	kind := kindForSymbolKind(sym.Kind)
	role := assignRole(sym, kind, importCount, exported)

	return &Record{
		ID:             uuid.New(),
		Path:           path,
		FileHash:       fileHash,
		LineStart:      start,
		LineEnd:        end,
		Text:           text,
		Language:       "go",
		Kind:           kind,
		Role:           role,
		DefinedSymbols: definedSymbolsFor(sym),
	}
}

func definedSymbolsFor(sym langgo.Symbol) []string {
	if sym.Receiver != "" {
		return []string{sym.Receiver + "." + sym.Name}
	}
	return []string{sym.Name}
}

func kindForSymbolKind(k langgo.SymbolKind) storage.ChunkKind {
	switch k {
	case langgo.KindFunction:
		return storage.KindFunction
	case langgo.KindMethod:
		return storage.KindMethod
	case langgo.KindStruct, langgo.KindInterface, langgo.KindType:
		return storage.KindClass
	default:
		return storage.KindBlock
	}
}

// assignRole applies the deterministic rule from spec.md §4.3: type
// declarations are DEFINITION; in a file that imports at least
// orchestrationImportThreshold packages, a declaration that looks like an
// entry point (main, Run, Execute, or an exported name ending in Handler,
// Service, Command or Server) is ORCHESTRATION; everything else is
// IMPLEMENTATION.
func assignRole(sym langgo.Symbol, kind storage.ChunkKind, importCount int, exported []string) storage.ChunkRole {
	if kind == storage.KindClass {
		return storage.RoleDefinition
	}
	if importCount >= orchestrationImportThreshold && looksLikeEntryPoint(sym) {
		return storage.RoleOrchestration
	}
	return storage.RoleImplementation
}

func looksLikeEntryPoint(sym langgo.Symbol) bool {
	if sym.Name == "main" || sym.Name == "Run" || sym.Name == "Execute" {
		return true
	}
	if !isExported(sym.Name) {
		return false
	}
	for _, suffix := range []string{"Handler", "Service", "Command", "Server"} {
		if strings.HasSuffix(sym.Name, suffix) {
			return true
		}
	}
	return false
}

func isExported(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsUpper([]rune(name)[0])
}

// chunkByLineWindow is the grammar-less fallback: fixed-size windows over
// the file with OverlapLines shared between consecutive windows.
func chunkByLineWindow(path string, lines []string, fileHash string) []Record {
	var records []Record
	step := MaxChunkLines - OverlapLines
	if step < 1 {
		step = MaxChunkLines
	}
	for start := 0; start < len(lines); start += step {
		end := start + MaxChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		records = append(records, Record{
			ID:        uuid.New(),
			Path:      path,
			FileHash:  fileHash,
			LineStart: start + 1,
			LineEnd:   end,
			Text:      text,
			Kind:      storage.KindFallback,
			Role:      storage.RoleImplementation,
		})
		if end == len(lines) {
			break
		}
	}
	return records
}

// splitOversizeRecords re-slices any record whose text exceeds
// MaxChunkChars into overlapping sub-records, preserving kind/role/symbols
// on every piece since all pieces came from the same declaration.
func splitOversizeRecords(records []Record, lines []string) []Record {
	var out []Record
	for _, rec := range records {
		if len(rec.Text) <= MaxChunkChars {
			out = append(out, rec)
			continue
		}
		out = append(out, splitOneOversizeRecord(rec)...)
	}
	return out
}

func splitOneOversizeRecord(rec Record) []Record {
	recLines := strings.Split(rec.Text, "\n")
	var pieces []Record
	step := MaxChunkLines - OverlapLines
	if step < 1 {
		step = MaxChunkLines
	}
	for start := 0; start < len(recLines); start += step {
		end := start + MaxChunkLines
		if end > len(recLines) {
			end = len(recLines)
		}
		piece := rec
		piece.ID = uuid.New()
		piece.LineStart = rec.LineStart + start
		piece.LineEnd = rec.LineStart + end - 1
		piece.Text = strings.Join(recLines[start:end], "\n")
		pieces = append(pieces, piece)
		if end == len(recLines) {
			break
		}
	}
	return pieces
}

// attachContext fills ContextPrev/ContextNext from the ContextLines lines
// immediately outside each record's own window.
func attachContext(records []Record, lines []string) {
	for i := range records {
		prevStart := records[i].LineStart - 1 - ContextLines
		if prevStart < 0 {
			prevStart = 0
		}
		prevEnd := records[i].LineStart - 1
		if prevEnd > prevStart {
			records[i].ContextPrev = strings.Join(lines[prevStart:prevEnd], "\n")
		}

		nextStart := records[i].LineEnd
		nextEnd := nextStart + ContextLines
		if nextEnd > len(lines) {
			nextEnd = len(lines)
		}
		if nextEnd > nextStart {
			records[i].ContextNext = strings.Join(lines[nextStart:nextEnd], "\n")
		}
	}
}

func breadcrumb(path string, kind storage.ChunkKind, symbols []string) string {
	scope := ""
	if len(symbols) > 0 {
		scope = symbols[0]
	}
	return fmt.Sprintf("%s · %s · %s\n", path, kind, scope)
}

func buildAnchor(path, fileHash, packageDoc string, imports, exported []string) Record {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", path)
	if packageDoc != "" {
		b.WriteString(packageDoc)
		b.WriteString("\n")
	}
	if len(imports) > 0 {
		b.WriteString("imports:\n")
		for _, imp := range imports {
			fmt.Fprintf(&b, "  %s\n", imp)
		}
	}
	if len(exported) > 0 {
		b.WriteString("exported:\n")
		for _, sym := range exported {
			fmt.Fprintf(&b, "  %s\n", sym)
		}
	}
	return Record{
		ID:             uuid.New(),
		Path:           path,
		FileHash:       fileHash,
		LineStart:      1,
		LineEnd:        1,
		Text:           b.String(),
		Kind:           storage.KindAnchor,
		Role:           storage.RoleDefinition,
		DefinedSymbols: exported,
	}
}

func buildFallbackAnchor(path string, lines []string, fileHash string) Record {
	preview := lines
	if len(preview) > 5 {
		preview = preview[:5]
	}
	text := fmt.Sprintf("%s\n%s\n", path, strings.Join(preview, "\n"))
	return Record{
		ID:        uuid.New(),
		Path:      path,
		FileHash:  fileHash,
		LineStart: 1,
		LineEnd:   1,
		Text:      text,
		Kind:      storage.KindAnchor,
		Role:      storage.RoleDefinition,
	}
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}

package retriever

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// previewLen bounds the preview column in the TSV serializer to one
// readable line's worth of text.
const previewLen = 120

// SerializeTSV writes results as the compact TSV line format from
// spec.md §6: path, line_start-line_end, score, role, confidence,
// defined_symbols, preview.
func SerializeTSV(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s\t%d-%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Path, r.LineStart, r.LineEnd,
			strconv.FormatFloat(r.Score, 'f', 4, 64),
			r.Role,
			confidenceLabel(r.Score),
			strings.Join(r.DefinedSymbols, ","),
			preview(r.Text),
		)
	}
	return b.String()
}

// SerializeJSON writes results as the JSON array form from spec.md §6.
func SerializeJSON(results []Result) ([]byte, error) {
	return json.Marshal(results)
}

func preview(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > previewLen {
		line = line[:previewLen]
	}
	return strings.ReplaceAll(line, "\t", " ")
}

// confidenceLabel buckets a fused/rerank score into a coarse label for
// human-readable TSV output; the numeric score itself carries the
// precision, this is just a glance-able summary.
func confidenceLabel(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

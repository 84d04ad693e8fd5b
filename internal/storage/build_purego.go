//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package storage

// This file is compiled when the sqlite_vec tag is not set, or whenever
// the purego tag is set. It selects the pure Go SQLite driver. As in build_cgo.go, no
// native vector extension is ever loaded — vector scoring is always
// the Go-side cosine similarity / MaxSim in vector_ops.go — so this
// build mode is no slower at vector search than the cgo one; the only
// difference between the two files is which driver gets linked.
//
// Build command:
//   CGO_ENABLED=0 go build -tags "purego" ./...
//
// The pure Go implementation provides:
//   - No C compiler required
//   - Cross-platform compilation
//   - Suitable for development and smaller codebases
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates whether a native vector
	// similarity extension is loaded. Always false: vector scoring is
	// performed in Go (see vector_ops.go) regardless of build mode.
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

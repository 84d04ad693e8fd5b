//go:build sqlite_vec && !purego
// +build sqlite_vec,!purego

package storage

// This file is compiled when building with CGO and the sqlite_vec tag,
// unless the purego tag is also set.
// It selects the cgo SQLite driver. Vector scoring is always done
// Go-side (cosine similarity and MaxSim in vector_ops.go); no native
// SQLite vector extension is loaded by either build mode, so
// VectorExtensionAvailable stays false here too — it exists for a
// future cgo build that actually links one in, not for this one.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_vec,fts5" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// VectorExtensionAvailable indicates whether a native vector
	// similarity extension is loaded. Always false: vector scoring is
	// performed in Go (see vector_ops.go) regardless of build mode.
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

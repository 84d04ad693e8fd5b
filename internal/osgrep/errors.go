// Package osgrep holds the error taxonomy and environment-driven
// configuration shared by every other internal package, the way
// pkg/types/errors.go once held a flat sentinel list for the whole tree.
package osgrep

import "errors"

// Sentinel errors. Callers wrap these with fmt.Errorf("...: %w", err) so
// errors.Is keeps working across package boundaries.
var (
	ErrLockHeld          = errors.New("osgrep: writer lock is held by another process")
	ErrLockStale         = errors.New("osgrep: writer lock is stale")
	ErrFileVanished      = errors.New("osgrep: file vanished during scan")
	ErrFileTooLarge      = errors.New("osgrep: file exceeds max file size")
	ErrFileBinary        = errors.New("osgrep: file appears to be binary")
	ErrParseFallback     = errors.New("osgrep: grammar parse failed, falling back to line window")
	ErrWorkerRestart     = errors.New("osgrep: worker restarted")
	ErrNoWorker          = errors.New("osgrep: no worker available")
	ErrWorkerTimeout     = errors.New("osgrep: worker task timed out")
	ErrSchemaMismatch    = errors.New("osgrep: record does not match the storage schema")
	ErrStorageCorruption = errors.New("osgrep: storage inconsistency detected")
	ErrCancelled         = errors.New("osgrep: operation cancelled")
)

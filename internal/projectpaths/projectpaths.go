// Package projectpaths discovers a project's root, lays out its
// .osgrep data directory, and implements the cross-process writer lock.
// It generalizes the teacher's internal/indexer.IndexLock — an in-process
// atomic flag — into a lock file shared by every process on the host,
// since this store (unlike the teacher's) can be written to by a
// short-lived sync process rather than one long-running server.
package projectpaths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osgrep/osgrep-core/internal/osgrep"
)

const dataDirName = ".osgrep"

// Layout is the resolved set of on-disk directories for one project, per
// spec.md §6's on-disk layout.
type Layout struct {
	Root     string
	DataDir  string
	LanceDir string
	LMDBDir  string
	LogsDir  string
	LockPath string
}

// FindRoot walks upward from start until it finds a `.git` entry or an
// existing `.osgrep` data directory. If `.git` is a file (a worktree
// pointer), it resolves the `commondir` reference to the main repo's
// root so every worktree of the same repo shares one project root.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("projectpaths: resolve %s: %w", start, err)
	}
	for {
		if root, ok, err := rootAt(dir); err != nil {
			return "", err
		} else if ok {
			return root, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("projectpaths: no .git or .osgrep found above %s", start)
		}
		dir = parent
	}
}

func rootAt(dir string) (string, bool, error) {
	if info, err := os.Stat(filepath.Join(dir, dataDirName)); err == nil && info.IsDir() {
		return dir, true, nil
	}
	gitPath := filepath.Join(dir, ".git")
	info, err := os.Stat(gitPath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("projectpaths: stat %s: %w", gitPath, err)
	}
	if info.IsDir() {
		return dir, true, nil
	}
	// `.git` is a file: a worktree pointer of the form "gitdir: <path>".
	mainRoot, err := resolveWorktreeRoot(gitPath)
	if err != nil {
		return "", false, err
	}
	return mainRoot, true, nil
}

// resolveWorktreeRoot reads a worktree's `.git` pointer file and follows
// its `commondir` reference back to the main repository's working tree.
func resolveWorktreeRoot(gitFilePath string) (string, error) {
	raw, err := os.ReadFile(gitFilePath)
	if err != nil {
		return "", fmt.Errorf("projectpaths: read %s: %w", gitFilePath, err)
	}
	line := strings.TrimSpace(string(raw))
	gitdir := strings.TrimPrefix(line, "gitdir:")
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(filepath.Dir(gitFilePath), gitdir)
	}

	commonPath := filepath.Join(gitdir, "commondir")
	commonRaw, err := os.ReadFile(commonPath)
	if err != nil {
		return "", fmt.Errorf("projectpaths: read %s: %w", commonPath, err)
	}
	commondir := strings.TrimSpace(string(commonRaw))
	if !filepath.IsAbs(commondir) {
		commondir = filepath.Join(gitdir, commondir)
	}
	// commondir points at <root>/.git; its parent is the working tree root.
	return filepath.Dir(filepath.Clean(commondir)), nil
}

// EnsureLayout creates the `.osgrep/{lancedb,lmdb,logs}` directories
// under root (idempotent) and adds a `.osgrep/` entry to the repo's
// `.gitignore` the first time it's missing.
func EnsureLayout(root string) (Layout, error) {
	dataDir := filepath.Join(root, dataDirName)
	layout := Layout{
		Root:     root,
		DataDir:  dataDir,
		LanceDir: filepath.Join(dataDir, "lancedb"),
		LMDBDir:  filepath.Join(dataDir, "lmdb"),
		LogsDir:  filepath.Join(dataDir, "logs"),
		LockPath: filepath.Join(dataDir, "LOCK"),
	}
	for _, dir := range []string{layout.LanceDir, layout.LMDBDir, layout.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("projectpaths: create %s: %w", dir, err)
		}
	}
	if err := ensureGitignoreEntry(root); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

func ensureGitignoreEntry(root string) error {
	path := filepath.Join(root, ".gitignore")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("projectpaths: read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == dataDirName+"/" {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("projectpaths: open .gitignore: %w", err)
	}
	defer f.Close()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + dataDirName + "/\n"); err != nil {
		return fmt.Errorf("projectpaths: write .gitignore: %w", err)
	}
	return nil
}

// lockRecord is the JSON body of the LOCK file.
type lockRecord struct {
	PID           int    `json:"pid"`
	StartTimeMono int64  `json:"start_time_monotonic"`
	Host          string `json:"host"`
}

// Lock is a held writer lock; Release must be called exactly once.
type Lock struct {
	path string
}

// Acquire implements the §4.1 acquisition algorithm: write the lock file
// if absent; if present and the owning process is alive with a matching
// start time on this host, fail with ErrLockHeld; otherwise treat it as
// stale, take it over, and continue.
func Acquire(layout Layout) (*Lock, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("projectpaths: hostname: %w", err)
	}
	body, err := json.Marshal(lockRecord{
		PID:           os.Getpid(),
		StartTimeMono: processStartTime(os.Getpid()),
		Host:          host,
	})
	if err != nil {
		return nil, fmt.Errorf("projectpaths: marshal lock record: %w", err)
	}

	// The absent case is the one spec.md §4.1 requires to be atomic: the
	// record is written to a temp file and hard-linked into place, and the
	// link fails if the lock file already exists, so two processes racing
	// on a never-held lock can't both believe they won and the lock file
	// never exists without its full record. Only the loser falls through to
	// the stale-takeover path below, and the file it reads back is the
	// winner's — a live owner — so it correctly reports held.
	tmp, err := os.CreateTemp(filepath.Dir(layout.LockPath), filepath.Base(layout.LockPath)+".tmp-*")
	if err == nil {
		_, err = tmp.Write(body)
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Link(tmp.Name(), layout.LockPath)
		}
		os.Remove(tmp.Name())
	}
	if err == nil {
		return &Lock{path: layout.LockPath}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("projectpaths: create lock file: %w", err)
	}

	existing, err := readLockRecord(layout.LockPath)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Host == host && processAlive(existing.PID, existing.StartTimeMono) {
		return nil, osgrep.ErrLockHeld
	}

	// Stale: the process is gone or its start time no longer matches
	// (PID reuse). Take it over by writing to a temp file in the same
	// directory and renaming into place, which replaces the stale
	// record in one atomic filesystem operation rather than a
	// read-then-truncate-then-write sequence an observer could interleave
	// with.
	if err := writeLockFileAtomically(layout.LockPath, body); err != nil {
		return nil, err
	}
	return &Lock{path: layout.LockPath}, nil
}

func writeLockFileAtomically(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("projectpaths: create temp lock file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("projectpaths: write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projectpaths: close temp lock file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projectpaths: rename lock file into place: %w", err)
	}
	return nil
}

// Release deletes the lock file. It is safe to call even if the file was
// already removed by another process (e.g. a concurrent stale-lock
// takeover), since the caller's handle is no longer meaningful either way.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("projectpaths: release lock: %w", err)
	}
	return nil
}

func readLockRecord(path string) (*lockRecord, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("projectpaths: read lock file: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt lock file is treated the same as a stale one: it
		// cannot represent a live owner, so acquisition proceeds.
		return nil, nil
	}
	return &rec, nil
}

// processAlive and processStartTime are platform-specific; see
// lock_unix.go. They're the only two points where liveness detection
// touches the OS, so a future Windows build only needs to replace that
// one file.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/osgrep/osgrep-core/internal/osgrep"
)

// SQLiteStore is the concrete Storage implementation. All writes go
// through a single *sql.DB with SetMaxOpenConns(1): SQLite allows one
// writer at a time and the syncer is already a single-writer process, so
// serializing at the connection-pool level avoids SQLITE_BUSY retries
// rather than papering over them.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx, so every read/write
// helper below can run unmodified inside or outside a transaction; only
// the caller (SQLiteStore vs sqliteTx) decides which querier to hand in.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the store at path (":memory:" for an ephemeral
// store) and brings its schema up to date.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", DriverName, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Health(ctx context.Context) (HealthStatus, error) {
	var version string
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil && err != sql.ErrNoRows {
		return HealthStatus{}, fmt.Errorf("storage: read schema version: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return HealthStatus{}, fmt.Errorf("storage: count chunks: %w", err)
	}
	return HealthStatus{
		SchemaVersion:   version,
		ChunkCount:      count,
		DriverName:      DriverName,
		VectorExtension: VectorExtensionAvailable,
	}, nil
}

// sqliteTx wraps a *sql.Tx so it satisfies Storage via the same
// querier-parameterized helpers as SQLiteStore.
type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(&sqliteTx{store: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

func (t *sqliteTx) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	// Nested transactions are flattened: fn runs against the same *sql.Tx.
	return fn(t)
}
func (t *sqliteTx) Close() error { return nil }
func (t *sqliteTx) Health(ctx context.Context) (HealthStatus, error) {
	return t.store.Health(ctx)
}

// InsertChunks runs inside its own transaction so a mid-batch failure
// (SchemaMismatch or a SQL-level conflict) never leaves the rows ahead of
// it durably committed: insert_batch is atomic per batch regardless of
// whether the caller also wraps the call in its own WithTx (spec.md §4.7).
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	return s.WithTx(ctx, func(tx Storage) error {
		return tx.InsertChunks(ctx, chunks)
	})
}
func (t *sqliteTx) InsertChunks(ctx context.Context, chunks []Chunk) error {
	return insertChunksWithQuerier(ctx, t.tx, chunks)
}

// validKinds and validRoles back validateChunk's enum checks. validRoles
// also accepts "" (RoleUnknown).
var validKinds = map[ChunkKind]bool{
	KindFunction: true, KindClass: true, KindMethod: true, KindModule: true,
	KindAnchor: true, KindBlock: true, KindFallback: true,
}

var validRoles = map[ChunkRole]bool{
	RoleOrchestration: true, RoleDefinition: true, RoleImplementation: true, RoleUnknown: true,
}

// validateChunk rejects a record that doesn't match the chunks table's
// schema, naming the offending field so the caller can surface a
// diagnostic instead of a raw SQL error (spec.md §4.7, §7 SchemaMismatch).
func validateChunk(c Chunk) error {
	switch {
	case c.ID == uuid.Nil:
		return fmt.Errorf("%w: field %q is required", osgrep.ErrSchemaMismatch, "id")
	case c.Path == "":
		return fmt.Errorf("%w: field %q is required", osgrep.ErrSchemaMismatch, "path")
	case c.Hash == "":
		return fmt.Errorf("%w: field %q is required", osgrep.ErrSchemaMismatch, "hash")
	case c.LineStart < 0 || c.LineEnd < c.LineStart:
		return fmt.Errorf("%w: field %q has invalid range [%d,%d]", osgrep.ErrSchemaMismatch, "line_start/line_end", c.LineStart, c.LineEnd)
	case !validKinds[c.Kind]:
		return fmt.Errorf("%w: field %q has unrecognized value %q", osgrep.ErrSchemaMismatch, "kind", c.Kind)
	case !validRoles[c.Role]:
		return fmt.Errorf("%w: field %q has unrecognized value %q", osgrep.ErrSchemaMismatch, "role", c.Role)
	case c.UpdatedAt.IsZero():
		return fmt.Errorf("%w: field %q is required", osgrep.ErrSchemaMismatch, "updated_at")
	}
	return nil
}

func insertChunksWithQuerier(ctx context.Context, q querier, chunks []Chunk) error {
	const stmt = `
INSERT INTO chunks (
	id, path, hash, line_start, line_end, text, context_prev, context_next,
	language, kind, role, defined_symbols, dense, colbert_tokens, colbert_scale,
	pooled_colbert, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	for _, c := range chunks {
		if err := validateChunk(c); err != nil {
			return err
		}
		dense, err := serializeVector(c.Dense)
		if err != nil {
			return fmt.Errorf("storage: serialize dense for %s: %w", c.Path, err)
		}
		pooled, err := serializeVector(c.PooledColbert)
		if err != nil {
			return fmt.Errorf("storage: serialize pooled_colbert for %s: %w", c.Path, err)
		}
		colbert := serializeColbertTokens(c.ColbertTokens)
		_, err = q.ExecContext(ctx, stmt,
			c.ID.String(), c.Path, c.Hash, c.LineStart, c.LineEnd, c.Text,
			c.ContextPrev, c.ContextNext, c.Language, string(c.Kind), string(c.Role),
			strings.Join(c.DefinedSymbols, "\n"), dense, colbert, c.ColbertScale, pooled,
			c.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("storage: insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteByPaths(ctx context.Context, paths []string) error {
	return deleteByPathsWithQuerier(ctx, s.db, paths)
}
func (t *sqliteTx) DeleteByPaths(ctx context.Context, paths []string) error {
	return deleteByPathsWithQuerier(ctx, t.tx, paths)
}

func deleteByPathsWithQuerier(ctx context.Context, q querier, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders, args := inClause(paths)
	_, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE path IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("storage: delete by paths: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPaths(ctx context.Context) ([]string, error) {
	return listPathsWithQuerier(ctx, s.db)
}
func (t *sqliteTx) ListPaths(ctx context.Context) ([]string, error) {
	return listPathsWithQuerier(ctx, t.tx)
}

func listPathsWithQuerier(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT path FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("storage: list paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) HasAnyRows(ctx context.Context) (bool, error) {
	return hasAnyRowsWithQuerier(ctx, s.db)
}
func (t *sqliteTx) HasAnyRows(ctx context.Context) (bool, error) {
	return hasAnyRowsWithQuerier(ctx, t.tx)
}

func hasAnyRowsWithQuerier(ctx context.Context, q querier) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chunks LIMIT 1)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has any rows: %w", err)
	}
	return exists == 1, nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, path string) (MetaEntry, error) {
	return getMetaWithQuerier(ctx, s.db, path)
}
func (t *sqliteTx) GetMeta(ctx context.Context, path string) (MetaEntry, error) {
	return getMetaWithQuerier(ctx, t.tx, path)
}

func getMetaWithQuerier(ctx context.Context, q querier, path string) (MetaEntry, error) {
	var e MetaEntry
	e.Path = path
	row := q.QueryRowContext(ctx, `SELECT hash, mtime_ms, size_bytes FROM meta_entries WHERE path = ?`, path)
	if err := row.Scan(&e.Hash, &e.MTimeMS, &e.SizeBytes); err != nil {
		if err == sql.ErrNoRows {
			return MetaEntry{}, ErrNotFound
		}
		return MetaEntry{}, fmt.Errorf("storage: get meta %s: %w", path, err)
	}
	return e, nil
}

func (s *SQLiteStore) PutMeta(ctx context.Context, entry MetaEntry) error {
	return putMetaWithQuerier(ctx, s.db, entry)
}
func (t *sqliteTx) PutMeta(ctx context.Context, entry MetaEntry) error {
	return putMetaWithQuerier(ctx, t.tx, entry)
}

func putMetaWithQuerier(ctx context.Context, q querier, entry MetaEntry) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO meta_entries (path, hash, mtime_ms, size_bytes) VALUES (?,?,?,?)
ON CONFLICT(path) DO UPDATE SET hash=excluded.hash, mtime_ms=excluded.mtime_ms, size_bytes=excluded.size_bytes`,
		entry.Path, entry.Hash, entry.MTimeMS, entry.SizeBytes)
	if err != nil {
		return fmt.Errorf("storage: put meta %s: %w", entry.Path, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMeta(ctx context.Context, paths []string) error {
	return deleteMetaWithQuerier(ctx, s.db, paths)
}
func (t *sqliteTx) DeleteMeta(ctx context.Context, paths []string) error {
	return deleteMetaWithQuerier(ctx, t.tx, paths)
}

func deleteMetaWithQuerier(ctx context.Context, q querier, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders, args := inClause(paths)
	_, err := q.ExecContext(ctx, `DELETE FROM meta_entries WHERE path IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("storage: delete meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMetaPaths(ctx context.Context) ([]string, error) {
	return listMetaPathsWithQuerier(ctx, s.db)
}
func (t *sqliteTx) ListMetaPaths(ctx context.Context) ([]string, error) {
	return listMetaPathsWithQuerier(ctx, t.tx)
}

func listMetaPathsWithQuerier(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT path FROM meta_entries ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("storage: list meta paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan meta path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error) {
	return getChunksByIDsWithQuerier(ctx, s.db, ids)
}
func (t *sqliteTx) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error) {
	return getChunksByIDsWithQuerier(ctx, t.tx, ids)
}

func getChunksByIDsWithQuerier(ctx context.Context, q querier, ids []uuid.UUID) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	placeholders, args := inClause(strs)
	rows, err := q.QueryContext(ctx, chunkSelectColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks by ids: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) CreateFTSIndex(ctx context.Context, field string) error {
	return createFTSIndexWithQuerier(ctx, s.db, field)
}
func (t *sqliteTx) CreateFTSIndex(ctx context.Context, field string) error {
	return createFTSIndexWithQuerier(ctx, t.tx, field)
}

func createFTSIndexWithQuerier(ctx context.Context, q querier, field string) error {
	if field != "text" {
		return fmt.Errorf("%w: %q", ErrUnsupportedFTSField, field)
	}
	// Mirrors the virtual table + sync triggers migrations.go creates at
	// schema setup time; re-issuing it here is what makes the operation
	// idempotent when the index already exists.
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			content='chunks',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: create fts index on %s: %w", field, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Drop(ctx context.Context) error {
	return dropWithQuerier(ctx, s.db)
}
func (t *sqliteTx) Drop(ctx context.Context) error {
	return dropWithQuerier(ctx, t.tx)
}

func dropWithQuerier(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("storage: drop chunks: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM meta_entries`); err != nil {
		return fmt.Errorf("storage: drop meta_entries: %w", err)
	}
	return nil
}

// chunkSelectColumns is shared by every query that hydrates full Chunk
// rows so scanChunks' column order always matches.
const chunkSelectColumns = `SELECT id, path, hash, line_start, line_end, chunks.text, context_prev, context_next,
	language, kind, role, defined_symbols, dense, colbert_tokens, colbert_scale, pooled_colbert, updated_at`

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunkRow(row rowScanner) (Chunk, error) {
	var c Chunk
	var idStr, kind, role, definedSymbols string
	var dense, colbert, pooled []byte
	var updatedAtMS int64
	err := row.Scan(&idStr, &c.Path, &c.Hash, &c.LineStart, &c.LineEnd, &c.Text,
		&c.ContextPrev, &c.ContextNext, &c.Language, &kind, &role, &definedSymbols,
		&dense, &colbert, &c.ColbertScale, &pooled, &updatedAtMS)
	if err != nil {
		return Chunk{}, fmt.Errorf("storage: scan chunk: %w", err)
	}
	return scanChunkFields(idStr, kind, role, definedSymbols, dense, colbert, pooled, updatedAtMS, c)
}

func parseChunkID(idStr string) (uuid.UUID, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("storage: parse chunk id %q: %w", idStr, err)
	}
	return id, nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

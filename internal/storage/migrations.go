package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Migration is one forward step in the schema. Version must be a valid
// semver string; migrations are applied in ascending order starting just
// above the version recorded in the schema_version table.
type Migration struct {
	Version     string
	Description string
	Up          string
}

// AllMigrations is the ordered schema history. New fields get a new
// migration rather than an edit to an old one's Up string, so a store
// created under an older binary can still be opened and advanced.
var AllMigrations = []Migration{
	{
		Version:     "1.0.0",
		Description: "chunks, chunks_fts, meta_entries",
		Up: `
CREATE TABLE IF NOT EXISTS schema_version (
	version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	hash            TEXT NOT NULL,
	line_start      INTEGER NOT NULL,
	line_end        INTEGER NOT NULL,
	text            TEXT NOT NULL,
	context_prev    TEXT NOT NULL DEFAULT '',
	context_next    TEXT NOT NULL DEFAULT '',
	language        TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL DEFAULT '',
	defined_symbols TEXT NOT NULL DEFAULT '',
	dense           BLOB,
	colbert_tokens  BLOB,
	colbert_scale   REAL NOT NULL DEFAULT 0,
	pooled_colbert  BLOB,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content='chunks',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TABLE IF NOT EXISTS meta_entries (
	path       TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	mtime_ms   INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL
);
`,
	},
}

// ApplyMigrations brings db up to the latest schema version, reading and
// advancing the single row in schema_version. A store opened with a
// schema_version newer than the binary's AllMigrations top returns
// ErrSchemaTooNew rather than silently truncating history.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	latest := semver.MustParse(AllMigrations[len(AllMigrations)-1].Version)
	if current != nil && current.GreaterThan(latest) {
		return fmt.Errorf("%w: store is at %s, binary supports up to %s", ErrSchemaTooNew, current, latest)
	}

	for _, m := range AllMigrations {
		v := semver.MustParse(m.Version)
		if current != nil && !v.GreaterThan(current) {
			continue
		}
		if _, err := db.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("storage: apply migration %s (%s): %w", m.Version, m.Description, err)
		}
		if err := setVersion(ctx, db, v); err != nil {
			return err
		}
		current = v
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read schema_version: %w", err)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: parse schema_version %q: %w", raw, err)
	}
	return v, nil
}

func setVersion(ctx context.Context, db *sql.DB, v *semver.Version) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("storage: clear schema_version: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, v.String()); err != nil {
		return fmt.Errorf("storage: write schema_version: %w", err)
	}
	return nil
}

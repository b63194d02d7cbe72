package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// migration is one forward-only schema step: a version, an up-script, and
// an invariant check run inside the same transaction immediately after
// Up, so a migration that leaves the schema in a state violating its own
// invariant never commits (spec.md §4.3).
//
// golang-migrate was considered and rejected for this: it models
// migrations as a directory of numbered .sql/.go files resolved through a
// generic source driver, which is the right shape for a service with an
// externally-administered schema directory. cass ships as a single
// self-contained binary with no separate migrations directory to deploy
// alongside it, so migrations are plain versioned Go functions compiled
// into the binary — closer to how contextd's own registry.go versions its
// on-disk JSON (a `Version int` field checked at load, not a migration
// framework) than to a tool meant for operator-administered SQL migration
// folders.
type migration struct {
	version int
	name    string
	up      func(tx *sql.Tx) error
	verify  func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		up:      migration1Up,
		verify:  migration1Verify,
	},
}

const metaTable = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// migrate applies every migration whose version exceeds the catalog's
// current schema_version, in order, each inside its own transaction. A
// failed migration rolls back and leaves a timestamped backup of the
// catalog file for forensic inspection before the engine refuses to start.
func migrate(db *sql.DB, path string) error {
	if _, err := db.Exec(metaTable); err != nil {
		return errs.Wrap(errs.DerivedCorruption, "create meta table", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, path, m); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.DerivedCorruption, "read schema_version", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, errs.Wrap(errs.SourceCorruption, "parse schema_version", err)
	}
	return v, nil
}

func applyMigration(db *sql.DB, path string, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.Transient, "begin migration transaction", err)
	}
	defer tx.Rollback()

	if err := m.up(tx); err != nil {
		backupCatalog(path, m)
		return errs.Wrap(errs.SourceCorruption, fmt.Sprintf("migration %d (%s) failed", m.version, m.name), err)
	}
	if m.verify != nil {
		if err := m.verify(tx); err != nil {
			backupCatalog(path, m)
			return errs.Wrap(errs.SourceCorruption, fmt.Sprintf("migration %d (%s) invariant check failed", m.version, m.name), err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", m.version)); err != nil {
		return errs.Wrap(errs.Transient, "record schema_version", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Transient, "commit migration", err)
	}
	return nil
}

// backupCatalog copies the catalog file aside with a timestamp suffix
// before returning a migration error, so the pre-migration state is never
// lost even though the failed transaction itself already rolled back.
func backupCatalog(path string, m migration) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	backupPath := fmt.Sprintf("%s.bak.%d.v%d", path, time.Now().UnixNano(), m.version)
	_ = os.WriteFile(backupPath, data, 0o600)
}

// migration1Up creates the full bit-stable schema of spec.md §6.2.
func migration1Up(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('local','remote')),
			display_name TEXT NOT NULL,
			origin_host TEXT
		)`,
		`CREATE TABLE agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE workspaces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_path TEXT NOT NULL UNIQUE,
			display_name TEXT
		)`,
		`CREATE TABLE conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES sources(id),
			agent_id INTEGER NOT NULL REFERENCES agents(id),
			workspace_id INTEGER REFERENCES workspaces(id),
			agent_slug TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			title TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			raw_meta_msgpack BLOB,
			UNIQUE(source_id, agent_slug, natural_key)
		)`,
		`CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user','assistant','tool','system','other')),
			created_at_ms INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			code_content TEXT,
			superseded_by INTEGER REFERENCES messages(id),
			extra_msgpack BLOB,
			UNIQUE(conversation_id, idx)
		)`,
		`CREATE INDEX idx_messages_content_hash ON messages(content_hash)`,
		`CREATE INDEX idx_messages_conversation ON messages(conversation_id)`,
		`CREATE TABLE token_usage (
			message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			conversation_id INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			workspace_id INTEGER,
			source_id INTEGER NOT NULL,
			day_id INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			model_name TEXT,
			model_family TEXT,
			model_tier TEXT,
			provider TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			thinking_tokens INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			data_source TEXT NOT NULL CHECK (data_source IN ('api','estimated')),
			cost_usd REAL
		)`,
		`CREATE INDEX idx_token_usage_day ON token_usage(day_id, agent_id, workspace_id, source_id)`,
		// workspace_id/model_family/tool_name use the sentinel -1/''/'' for
		// "unset" rather than NULL, since SQLite treats NULL as distinct in
		// every row for UNIQUE-index purposes and the rollup key must be a
		// true functional key of its dimensions (spec.md UsageRollup
		// invariant: rebuildable from facts alone, one row per key tuple).
		`CREATE TABLE usage_rollups (
			bucket_id INTEGER NOT NULL,
			granularity TEXT NOT NULL CHECK (granularity IN ('hour','day')),
			agent_slug TEXT NOT NULL,
			workspace_id INTEGER NOT NULL DEFAULT -1,
			source_id INTEGER NOT NULL,
			model_family TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			api_coverage_count INTEGER NOT NULL DEFAULT 0,
			estimated_coverage_count INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket_id, granularity, agent_slug, workspace_id, source_id, model_family, tool_name)
		)`,
		`CREATE TABLE vector_rows (
			message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			embedder_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			workspace_id INTEGER,
			source_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			chunk_idx INTEGER NOT NULL DEFAULT 0,
			vec_offset INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE TABLE model_artifacts (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			revision TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func migration1Verify(tx *sql.Tx) error {
	required := []string{"sources", "agents", "workspaces", "conversations", "messages", "token_usage", "usage_rollups", "vector_rows", "model_artifacts"}
	for _, table := range required {
		var name string
		err := tx.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("table %s missing after migration: %w", table, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fyrsmithlabs/cass/internal/errs"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// Store is the transactional relational store (C2). All mutations that
// touch more than one table happen inside one transaction, so crash
// recovery never leaves derived tables (token_usage, usage_rollups) ahead
// of source tables (spec.md §4.3).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the catalog at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, path); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ReconcileAgents upserts the fixed set of recognized agents (spec.md §3
// "Fixed set; reconciled at startup"), called once at engine init with the
// slugs/names of every registered connector.
func (s *Store) ReconcileAgents(ctx context.Context, agents []Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Transient, "begin reconcile agents", err)
	}
	defer tx.Rollback()
	for _, a := range agents {
		_, err := tx.ExecContext(ctx, `INSERT INTO agents(slug, name) VALUES(?, ?)
			ON CONFLICT(slug) DO UPDATE SET name = excluded.name`, a.Slug, a.Name)
		if err != nil {
			return errs.Wrap(errs.Transient, "upsert agent", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Transient, "commit reconcile agents", err)
	}
	return nil
}

// AgentID resolves an agent slug to its stable id.
func (s *Store) AgentID(ctx context.Context, slug string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE slug = ?`, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errs.New(errs.Malformed, fmt.Sprintf("unknown agent slug %q", slug))
	}
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "lookup agent", err)
	}
	return id, nil
}

// UpsertSource registers (or reuses) a transcript origin, returning its id.
func (s *Store) UpsertSource(ctx context.Context, kind, displayName, originHost string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sources WHERE kind = ? AND display_name = ?`, kind, displayName,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.Wrap(errs.Transient, "lookup source", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources(kind, display_name, origin_host) VALUES(?, ?, ?)`, kind, displayName, originHost)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "insert source", err)
	}
	return res.LastInsertId()
}

// UpsertWorkspace registers (or reuses) a workspace path, returning its id.
// The path is immutable after insert (spec.md §3), so a later call with
// the same canonical_path is a pure lookup.
func (s *Store) UpsertWorkspace(ctx context.Context, canonicalPath, displayName string) (int64, error) {
	if canonicalPath == "" {
		return 0, errs.New(errs.Malformed, "empty workspace canonical_path")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM workspaces WHERE canonical_path = ?`, canonicalPath).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.Wrap(errs.Transient, "lookup workspace", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces(canonical_path, display_name) VALUES(?, ?)`, canonicalPath, displayName)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "insert workspace", err)
	}
	return res.LastInsertId()
}

// UpsertConversation is idempotent on (source_id, agent_slug, natural_key),
// returning the conversation id. Re-calling with a later updated_at_ms or
// title refreshes those columns without touching agent/source (immutable
// after insert, spec.md §3).
func (s *Store) UpsertConversation(ctx context.Context, c Conversation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(source_id, agent_id, workspace_id, agent_slug, natural_key, started_at_ms, updated_at_ms, title, raw_meta_msgpack)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, agent_slug, natural_key) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END,
			raw_meta_msgpack = excluded.raw_meta_msgpack
	`, c.SourceID, c.AgentID, c.WorkspaceID, c.AgentSlug, c.NaturalKey, c.StartedAtMS, c.UpdatedAtMS, c.Title, c.RawMetaMsgpack)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "upsert conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// ON CONFLICT UPDATE path: LastInsertId is unreliable, re-resolve.
		var resolvedID int64
		lookupErr := s.db.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE source_id = ? AND agent_slug = ? AND natural_key = ?`,
			c.SourceID, c.AgentSlug, c.NaturalKey,
		).Scan(&resolvedID)
		if lookupErr != nil {
			return 0, errs.Wrap(errs.Transient, "resolve upserted conversation id", lookupErr)
		}
		return resolvedID, nil
	}
	return id, nil
}

// LookupByHash supports incremental skip-unchanged: given a content_hash,
// returns every message id already carrying it.
func (s *Store) LookupByHash(ctx context.Context, contentHash string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE content_hash = ?`, contentHash)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "lookup by hash", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.Transient, "scan message id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendMessages batch-inserts messages for a conversation. Per spec.md
// §4.3, a message whose (conversation_id, idx) already exists with a
// different content_hash is rejected unless opts.ReplaceOnConflict is set
// (DESIGN.md Open Question decision 2: append with supersession, never
// overwrite). usage is a parallel slice the same length as msgs — usage[i]
// is the token-usage fact for msgs[i], or nil if that message carries none
// — and each non-nil entry updates token_usage, the owning conversation's
// summary columns, and the hour and day rollups atomically in the same transaction
// as the message insert (write discipline, spec.md §4.3).
func (s *Store) AppendMessages(ctx context.Context, conversationID int64, msgs []Message, usage []*TokenUsage, opts AppendOptions) ([]int64, error) {
	if len(usage) != 0 && len(usage) != len(msgs) {
		return nil, errs.New(errs.Malformed, "usage slice must be empty or parallel to msgs")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "begin append messages", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		id, err := appendOneMessage(ctx, tx, conversationID, m, opts)
		if err != nil {
			return nil, err
		}
		ids[i] = id

		if len(usage) == 0 || usage[i] == nil {
			continue
		}
		u := *usage[i]
		u.MessageID = id
		u.ConversationID = conversationID
		if err := insertTokenUsage(ctx, tx, u); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Transient, "commit append messages", err)
	}
	return ids, nil
}

func appendOneMessage(ctx context.Context, tx *sql.Tx, conversationID int64, m Message, opts AppendOptions) (int64, error) {
	var existingID int64
	var existingHash string
	err := tx.QueryRowContext(ctx,
		`SELECT id, content_hash FROM messages WHERE conversation_id = ? AND idx = ?`, conversationID, m.Idx,
	).Scan(&existingID, &existingHash)

	switch {
	case err == sql.ErrNoRows:
		res, insertErr := tx.ExecContext(ctx, `
			INSERT INTO messages(conversation_id, idx, role, created_at_ms, content, content_hash, code_content, extra_msgpack)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		`, conversationID, m.Idx, string(m.Role), m.CreatedAtMS, m.Content, m.ContentHash, m.CodeContent, m.ExtraMsgpack)
		if insertErr != nil {
			return 0, errs.Wrap(errs.Transient, "insert message", insertErr)
		}
		return res.LastInsertId()

	case err != nil:
		return 0, errs.Wrap(errs.Transient, "lookup existing message", err)

	case existingHash == m.ContentHash:
		// content_hash fully determines whether re-indexing is required
		// (spec.md §3): identical hash means this is the already-indexed
		// message, not a conflict.
		return existingID, nil

	case !opts.ReplaceOnConflict:
		return 0, errs.New(errs.Malformed, fmt.Sprintf(
			"message conflict at (conversation_id=%d, idx=%d): content_hash differs, ReplaceOnConflict not set",
			conversationID, m.Idx))

	default:
		// Append-with-supersession: idx is never reused; insert a new row
		// at a fresh monotonic idx and tag the prior row as superseded.
		var maxIdx int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx), -1) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxIdx); err != nil {
			return 0, errs.Wrap(errs.Transient, "compute next idx", err)
		}
		newIdx := maxIdx + 1
		res, insertErr := tx.ExecContext(ctx, `
			INSERT INTO messages(conversation_id, idx, role, created_at_ms, content, content_hash, code_content, extra_msgpack)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		`, conversationID, newIdx, string(m.Role), m.CreatedAtMS, m.Content, m.ContentHash, m.CodeContent, m.ExtraMsgpack)
		if insertErr != nil {
			return 0, errs.Wrap(errs.Transient, "insert superseding message", insertErr)
		}
		newID, idErr := res.LastInsertId()
		if idErr != nil {
			return 0, errs.Wrap(errs.Transient, "resolve superseding message id", idErr)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET superseded_by = ? WHERE id = ?`, newID, existingID); err != nil {
			return 0, errs.Wrap(errs.Transient, "mark superseded message", err)
		}
		return newID, nil
	}
}

func insertTokenUsage(ctx context.Context, tx *sql.Tx, u TokenUsage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_usage(
			message_id, conversation_id, agent_id, workspace_id, source_id, day_id, created_at_ms,
			model_name, model_family, model_tier, provider,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, thinking_tokens,
			role, tool_call_count, data_source, cost_usd
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, u.MessageID, u.ConversationID, u.AgentID, u.WorkspaceID, u.SourceID, u.DayID, u.CreatedAtMS,
		u.ModelName, u.ModelFamily, u.ModelTier, u.Provider,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, u.ThinkingTokens,
		u.Role, u.ToolCallCount, u.DataSource, u.CostUSD)
	if err != nil {
		return errs.Wrap(errs.Transient, "insert token_usage", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			estimated_cost_usd = estimated_cost_usd + COALESCE(?, 0)
		WHERE id = ?
	`, u.InputTokens, u.OutputTokens, u.CostUSD, u.ConversationID)
	if err != nil {
		return errs.Wrap(errs.Transient, "update conversation token summary", err)
	}

	dayBucket := u.CreatedAtMS / (24 * 3600 * 1000)
	if err := upsertRollup(ctx, tx, dayBucket, "day", u); err != nil {
		return err
	}
	hourBucket := u.CreatedAtMS / (3600 * 1000)
	return upsertRollup(ctx, tx, hourBucket, "hour", u)
}

func upsertRollup(ctx context.Context, tx *sql.Tx, bucketID int64, granularity string, u TokenUsage) error {
	workspaceID := int64(-1)
	if u.WorkspaceID != nil {
		workspaceID = *u.WorkspaceID
	}
	apiCoverage, estCoverage := 0, 0
	if u.DataSource == "api" {
		apiCoverage = 1
	} else {
		estCoverage = 1
	}
	costUSD := 0.0
	if u.CostUSD != nil {
		costUSD = *u.CostUSD
	}

	var agentSlug string
	if err := tx.QueryRowContext(ctx, `SELECT slug FROM agents WHERE id = ?`, u.AgentID).Scan(&agentSlug); err != nil {
		return errs.Wrap(errs.Transient, "resolve agent slug for rollup", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_rollups(
			bucket_id, granularity, agent_slug, workspace_id, source_id, model_family, tool_name,
			message_count, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			api_coverage_count, estimated_coverage_count, estimated_cost_usd
		) VALUES(?, ?, ?, ?, ?, ?, '', 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_id, granularity, agent_slug, workspace_id, source_id, model_family, tool_name) DO UPDATE SET
			message_count = message_count + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
			api_coverage_count = api_coverage_count + excluded.api_coverage_count,
			estimated_coverage_count = estimated_coverage_count + excluded.estimated_coverage_count,
			estimated_cost_usd = estimated_cost_usd + excluded.estimated_cost_usd
	`, bucketID, granularity, agentSlug, workspaceID, u.SourceID, u.ModelFamily,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens,
		apiCoverage, estCoverage, costUSD)
	if err != nil {
		return errs.Wrap(errs.Transient, "upsert usage_rollup", err)
	}
	return nil
}

// Fetch hydrates a conversation by id, including its non-superseded
// messages in idx order.
func (s *Store) Fetch(ctx context.Context, conversationID int64) (*Conversation, []Message, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, agent_id, workspace_id, agent_slug, natural_key, started_at_ms, updated_at_ms,
			title, input_tokens, output_tokens, estimated_cost_usd, raw_meta_msgpack
		FROM conversations WHERE id = ?
	`, conversationID).Scan(&c.ID, &c.SourceID, &c.AgentID, &c.WorkspaceID, &c.AgentSlug, &c.NaturalKey,
		&c.StartedAtMS, &c.UpdatedAtMS, &c.Title, &c.InputTokens, &c.OutputTokens, &c.EstimatedCostUSD, &c.RawMetaMsgpack)
	if err == sql.ErrNoRows {
		return nil, nil, errs.New(errs.Malformed, fmt.Sprintf("conversation %d not found", conversationID))
	}
	if err != nil {
		return nil, nil, errs.Wrap(errs.Transient, "fetch conversation", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, idx, role, created_at_ms, content, content_hash, code_content, superseded_by, extra_msgpack
		FROM messages WHERE conversation_id = ? AND superseded_by IS NULL ORDER BY idx
	`, conversationID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Transient, "fetch messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Idx, &role, &m.CreatedAtMS, &m.Content, &m.ContentHash, &m.CodeContent, &m.SupersededBy, &m.ExtraMsgpack); err != nil {
			return nil, nil, errs.Wrap(errs.Transient, "scan message", err)
		}
		m.Role = connectorsdk.Role(role)
		msgs = append(msgs, m)
	}
	return &c, msgs, rows.Err()
}

// RebuildAnalytics recomputes usage_rollups from token_usage alone,
// derived-only and never touching source tables (spec.md §4.3, §4.10).
func (s *Store) RebuildAnalytics(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Transient, "begin rebuild analytics", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_rollups`); err != nil {
		return errs.Wrap(errs.Transient, "clear usage_rollups", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT message_id, conversation_id, agent_id, workspace_id, source_id, day_id, created_at_ms,
			model_family, role, tool_call_count, data_source, cost_usd,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, thinking_tokens
		FROM token_usage
	`)
	if err != nil {
		return errs.Wrap(errs.Transient, "scan token_usage for rebuild", err)
	}
	var facts []TokenUsage
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.MessageID, &u.ConversationID, &u.AgentID, &u.WorkspaceID, &u.SourceID, &u.DayID, &u.CreatedAtMS,
			&u.ModelFamily, &u.Role, &u.ToolCallCount, &u.DataSource, &u.CostUSD,
			&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheCreationTokens, &u.ThinkingTokens); err != nil {
			rows.Close()
			return errs.Wrap(errs.Transient, "scan token_usage row", err)
		}
		facts = append(facts, u)
	}
	rows.Close()

	for _, u := range facts {
		if err := upsertRollup(ctx, tx, u.CreatedAtMS/(24*3600*1000), "day", u); err != nil {
			return err
		}
		if err := upsertRollup(ctx, tx, u.CreatedAtMS/(3600*1000), "hour", u); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Transient, "commit rebuild analytics", err)
	}
	return nil
}


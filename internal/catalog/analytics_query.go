package catalog

import (
	"context"
	"database/sql"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// AnalyticsStatus summarizes the derived analytics store for `cass
// analytics status` (spec.md §4.10, §6.4).
type AnalyticsStatus struct {
	MessageCount     int64
	FactCount        int64
	RollupRowCount   int64
	APICoverageCount int64
	EstCoverageCount int64
}

// AnalyticsStatus reports headline counts across the fact and rollup
// tables without aggregating them (cheap, for `analytics status`).
func (s *Store) AnalyticsStatus(ctx context.Context) (AnalyticsStatus, error) {
	var st AnalyticsStatus
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE superseded_by IS NULL`)
	if err := row.Scan(&st.MessageCount); err != nil {
		return st, errs.Wrap(errs.Transient, "count messages", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_usage`)
	if err := row.Scan(&st.FactCount); err != nil {
		return st, errs.Wrap(errs.Transient, "count token_usage", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_rollups WHERE granularity = 'day'`)
	if err := row.Scan(&st.RollupRowCount); err != nil {
		return st, errs.Wrap(errs.Transient, "count usage_rollups", err)
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(api_coverage_count), 0), COALESCE(SUM(estimated_coverage_count), 0)
		FROM usage_rollups WHERE granularity = 'day'
	`)
	if err := row.Scan(&st.APICoverageCount, &st.EstCoverageCount); err != nil {
		return st, errs.Wrap(errs.Transient, "sum coverage", err)
	}
	return st, nil
}

// ModelTokens is one row of the per-model-family token breakdown
// (`cass analytics tokens`; there is no separate `analytics models`
// subcommand).
type ModelTokens struct {
	ModelFamily  string
	InputTokens  int64
	OutputTokens int64
	MessageCount int64
}

// TokensByModel aggregates daily rollups by model_family.
func (s *Store) TokensByModel(ctx context.Context) ([]ModelTokens, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_family, SUM(input_tokens), SUM(output_tokens), SUM(message_count)
		FROM usage_rollups WHERE granularity = 'day'
		GROUP BY model_family ORDER BY SUM(output_tokens) DESC
	`)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "aggregate tokens by model", err)
	}
	defer rows.Close()
	var out []ModelTokens
	for rows.Next() {
		var m ModelTokens
		if err := rows.Scan(&m.ModelFamily, &m.InputTokens, &m.OutputTokens, &m.MessageCount); err != nil {
			return nil, errs.Wrap(errs.Transient, "scan model tokens", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ToolUsage is one row of per-tool-call-bearing-agent usage, keyed by
// agent_slug since tool_name rollup dimension is reserved for a future
// per-tool extractor (spec.md §3 UsageRollup key tuple names tool_name;
// the current extractors only populate an aggregate tool_call_count, so
// this view reports by agent until a per-tool breakdown is extracted).
type ToolUsage struct {
	AgentSlug     string
	ToolCallCount int64
	MessageCount  int64
}

// ToolsByAgent aggregates tool-call counts by agent from token_usage
// facts directly (tool_name rollup dimension is not yet populated by any
// extractor, so this reads facts rather than the rollup table).
func (s *Store) ToolsByAgent(ctx context.Context) ([]ToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.slug, COALESCE(SUM(t.tool_call_count), 0), COUNT(*)
		FROM token_usage t JOIN agents a ON a.id = t.agent_id
		GROUP BY a.slug ORDER BY SUM(t.tool_call_count) DESC
	`)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "aggregate tool usage", err)
	}
	defer rows.Close()
	var out []ToolUsage
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.AgentSlug, &u.ToolCallCount, &u.MessageCount); err != nil {
			return nil, errs.Wrap(errs.Transient, "scan tool usage", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CostSummary is the total estimated cost plus the pricing coverage split
// for `cass analytics cost` (spec.md §4.10 "unknown models produce NULL
// cost with an explicit coverage counter").
type CostSummary struct {
	TotalEstimatedCostUSD float64
	PricedMessageCount    int64
	UnpricedMessageCount  int64
}

// Cost sums estimated_cost_usd across daily rollups and reports pricing
// coverage from the underlying facts (cost_usd IS NULL means unpriced).
func (s *Store) Cost(ctx context.Context) (CostSummary, error) {
	var c CostSummary
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM usage_rollups WHERE granularity = 'day'
	`)
	if err := row.Scan(&c.TotalEstimatedCostUSD); err != nil {
		return c, errs.Wrap(errs.Transient, "sum estimated cost", err)
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN cost_usd IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cost_usd IS NULL THEN 1 ELSE 0 END), 0)
		FROM token_usage
	`)
	if err := row.Scan(&c.PricedMessageCount, &c.UnpricedMessageCount); err != nil {
		return c, errs.Wrap(errs.Transient, "count pricing coverage", err)
	}
	return c, nil
}

// ValidateRollups checks spec.md §8 invariant 2: every daily rollup row's
// token sums equal the sum of its matching fact rows. Returns the
// agent_slug of each mismatched rollup row, if any.
func (s *Store) ValidateRollups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.bucket_id, r.granularity, r.agent_slug, r.workspace_id, r.source_id,
			r.input_tokens, r.output_tokens,
			COALESCE(f.in_sum, 0), COALESCE(f.out_sum, 0)
		FROM usage_rollups r
		LEFT JOIN (
			SELECT
				CASE WHEN t.day_id IS NOT NULL THEN t.created_at_ms / (24*3600*1000) END AS bucket_id,
				a.slug AS agent_slug,
				COALESCE(t.workspace_id, -1) AS workspace_id,
				t.source_id AS source_id,
				t.model_family AS model_family,
				SUM(t.input_tokens) AS in_sum,
				SUM(t.output_tokens) AS out_sum
			FROM token_usage t JOIN agents a ON a.id = t.agent_id
			GROUP BY bucket_id, agent_slug, workspace_id, source_id, model_family
		) f ON f.bucket_id = r.bucket_id AND f.agent_slug = r.agent_slug
			AND f.workspace_id = r.workspace_id AND f.source_id = r.source_id
			AND f.model_family = r.model_family
		WHERE r.granularity = 'day'
	`)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "validate rollups", err)
	}
	defer rows.Close()

	var mismatches []string
	for rows.Next() {
		var bucketID int64
		var granularity, agentSlug string
		var workspaceID, sourceID int64
		var rollupIn, rollupOut, factIn, factOut int64
		if err := rows.Scan(&bucketID, &granularity, &agentSlug, &workspaceID, &sourceID, &rollupIn, &rollupOut, &factIn, &factOut); err != nil {
			return nil, errs.Wrap(errs.Transient, "scan rollup validation row", err)
		}
		if rollupIn != factIn || rollupOut != factOut {
			mismatches = append(mismatches, agentSlug)
		}
	}
	return mismatches, rows.Err()
}

// CatalogCounts gives coarse counts for `cass health`/`capabilities`.
type CatalogCounts struct {
	Sources       int64
	Agents        int64
	Workspaces    int64
	Conversations int64
	Messages      int64
}

func (s *Store) Counts(ctx context.Context) (CatalogCounts, error) {
	var c CatalogCounts
	for table, dst := range map[string]*int64{
		"sources": &c.Sources, "agents": &c.Agents, "workspaces": &c.Workspaces,
		"conversations": &c.Conversations, "messages": &c.Messages,
	} {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
		if err := row.Scan(dst); err != nil && err != sql.ErrNoRows {
			return c, errs.Wrap(errs.Transient, "count "+table, err)
		}
	}
	return c, nil
}

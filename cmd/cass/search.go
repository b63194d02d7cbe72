package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cass/internal/planner"
)

func newSearchCmd(root *rootOpts) *cobra.Command {
	var (
		mode        string
		ranking     string
		limit       int
		offset      int
		agents      []string
		workspaceID int64
		sourceID    int64
		role        string
		since       string
		until       string
		allowDegrade bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed sessions lexically, semantically, or hybrid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			query := args[0]

			cfg, log, err := root.bootstrap()
			if err != nil {
				return err
			}
			needVectors := planner.SearchMode(mode) != planner.ModeLexical
			a, err := openApp(cfg, log, needVectors)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := planner.Filter{AgentSlugs: agents, Role: role}
			if workspaceID != 0 {
				filter.WorkspaceID = &workspaceID
			}
			if sourceID != 0 {
				filter.SourceID = &sourceID
			}
			if since != "" {
				if ms, err := parseTimeMS(since); err == nil {
					filter.SinceMS = ms
				}
			}
			if until != "" {
				if ms, err := parseTimeMS(until); err == nil {
					filter.UntilMS = ms
				}
			}

			engine := &planner.Engine{
				Catalog:   a.catalog,
				Lexical:   a.lexical,
				VecIndex:  a.vecindex,
				Embedders: a.embedders,
				Reranker:  a.reranker,
				Cfg:       cfg.Search,
				CanonCfg:  a.canon,
			}
			req := planner.Request{
				Query:        query,
				Mode:         planner.SearchMode(mode),
				Ranking:      planner.RankingMode(ranking),
				Limit:        limit,
				Offset:       offset,
				Filter:       filter,
				AllowDegrade: allowDegrade,
			}

			result, err := engine.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}

			ids := make([]int64, len(result.Hits))
			for i, h := range result.Hits {
				ids[i] = h.MessageID
			}
			views, err := a.catalog.MessagesByID(cmd.Context(), ids)
			if err != nil {
				return err
			}

			type resultRow struct {
				MessageID        int64    `json:"message_id"`
				Score            float64  `json:"score"`
				AgentSlug        string   `json:"agent_slug"`
				ConversationTitle string  `json:"conversation_title"`
				WorkspacePath    string   `json:"workspace_path"`
				Role             string   `json:"role"`
				CreatedAtMS      int64    `json:"created_at_ms"`
				Snippet          string   `json:"snippet"`
				Sources          []string `json:"sources"`
			}

			rows := make([]resultRow, 0, len(result.Hits))
			for _, h := range result.Hits {
				v := views[h.MessageID]
				snippet := h.Snippet
				if snippet == "" {
					snippet = truncateSnippet(v.Content, 240)
				}
				rows = append(rows, resultRow{
					MessageID:        h.MessageID,
					Score:            h.Score,
					AgentSlug:        v.AgentSlug,
					ConversationTitle: v.ConversationTitle,
					WorkspacePath:    v.WorkspacePath,
					Role:             v.Role,
					CreatedAtMS:      v.CreatedAtMS,
					Snippet:          snippet,
					Sources:          h.Sources,
				})
			}

			if root.jsonOut {
				payload := struct {
					Hits          []resultRow `json:"hits"`
					Degraded      bool        `json:"degraded"`
					DegradeReason string      `json:"degrade_reason,omitempty"`
					ModeUsed      string      `json:"mode_used"`
				}{rows, result.Degraded, result.DegradeReason, string(result.ModeUsed)}
				return emitJSON(start, payload)
			}

			if result.Degraded {
				emitText("(degraded: %s)", result.DegradeReason)
			}
			for _, r := range rows {
				emitText("%-6.3f [%s/%s] %s\n    %s", r.Score, r.AgentSlug, r.Role, r.ConversationTitle, oneLine(r.Snippet))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "hybrid", "lexical | semantic | hybrid")
	cmd.Flags().StringVar(&ranking, "ranking", "balanced", "recent | balanced | relevance | quality | date_newest | date_oldest")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "restrict to these agent slugs")
	cmd.Flags().Int64Var(&workspaceID, "workspace", 0, "restrict to this workspace id")
	cmd.Flags().Int64Var(&sourceID, "source", 0, "restrict to this source id")
	cmd.Flags().StringVar(&role, "role", "", "restrict to this message role")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on message time")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound on message time")
	cmd.Flags().BoolVar(&allowDegrade, "allow-degrade", true, "fall back to lexical-only when semantic retrieval is unavailable")
	return cmd
}

func parseTimeMS(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func truncateSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

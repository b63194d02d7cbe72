// Package analytics implements the per-message fact extraction half of
// the analytics fact + rollup store (C10): turning one normalized
// message's extra blob into the catalog's TokenUsage row the
// orchestrator hands to catalog.AppendMessages (spec.md §4.10). The
// rollup half (bucket aggregation, rebuild) lives in internal/catalog
// since it operates purely on already-committed token_usage rows.
package analytics

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/cass/internal/catalog"
)

// FactInput is everything ExtractFact needs about one message besides
// its content and extra blob.
type FactInput struct {
	AgentID     int64
	AgentSlug   string
	WorkspaceID *int64
	SourceID    int64
	CreatedAtMS int64
	Model       string
	Role        string
}

// Fact is one message's extracted usage row plus the plan-flag heuristic
// (spec.md §4.10 step 5), which the orchestrator may attach to the
// message's own extra_msgpack rather than to token_usage.
type Fact struct {
	Usage    catalog.TokenUsage
	PlanFlag bool
}

// ExtractFact computes bucket ids, content metrics, API token usage (via
// the per-agent extractor over extra, falling back to a char-count
// estimate), tool-call count, and the plan-flag heuristic (spec.md
// §4.10 steps 1-5). extra is the message's extra blob decoded the same
// way catalog.DecodeExtra decodes it at rebuild time
// (vmihailenco/msgpack round trip into map[string]any), so ingest-time
// extraction and rebuild-time extraction run the identical code path
// against the identical shape — never the connector's own typed struct.
func ExtractFact(in FactInput, content string, extra map[string]any, canonicalText string) Fact {
	u := catalog.TokenUsage{
		AgentID:     in.AgentID,
		WorkspaceID: in.WorkspaceID,
		SourceID:    in.SourceID,
		DayID:       in.CreatedAtMS / (24 * 3600 * 1000),
		CreatedAtMS: in.CreatedAtMS,
		ModelName:   in.Model,
		ModelFamily: modelFamily(in.Model),
		Role:        in.Role,
	}

	if apiIn, apiOut, apiCacheRead, apiCacheCreate, ok := extractAPIUsage(in.AgentSlug, extra); ok {
		u.InputTokens = apiIn
		u.OutputTokens = apiOut
		u.CacheReadTokens = apiCacheRead
		u.CacheCreationTokens = apiCacheCreate
		u.DataSource = "api"
	} else {
		chars := len(canonicalText)
		u.InputTokens = int64(chars / 4)
		u.DataSource = "estimated"
	}

	u.ToolCallCount = countToolCalls(content, extra)

	return Fact{Usage: u, PlanFlag: hasPlanMarkers(canonicalText)}
}

// extractAPIUsage dispatches to the per-agent extractor; ok is false when
// no provider usage block is present and the caller should fall back to
// the content-length estimate.
func extractAPIUsage(agentSlug string, extra map[string]any) (in, out, cacheRead, cacheCreate int64, ok bool) {
	switch agentSlug {
	case "codex":
		return extractCodexUsage(extra)
	default:
		// claude-code, cursor, gemini, generic: all share the
		// conventional "usage" block shape claudecode's adapter
		// attaches (internal/connector/claudecode/adapter.go), when
		// present.
		return extractUsageBlock(extra)
	}
}

// extractUsageBlock reads the generic provider usage block a connector
// attached to extra["usage"] (claudecode's adapter is the reference:
// internal/connector/claudecode/adapter.go).
func extractUsageBlock(extra map[string]any) (in, out, cacheRead, cacheCreate int64, ok bool) {
	raw, present := extra["usage"]
	if !present {
		return 0, 0, 0, 0, false
	}
	u, isMap := raw.(map[string]any)
	if !isMap {
		return 0, 0, 0, 0, false
	}
	in = asInt64(u["input_tokens"])
	out = asInt64(u["output_tokens"])
	cacheRead = asInt64(u["cache_read_input_tokens"])
	cacheCreate = asInt64(u["cache_creation_input_tokens"])
	return in, out, cacheRead, cacheCreate, true
}

// extractCodexUsage reads the event_msg.token_count field codex's
// adapter attaches to extra["token_count"] (spec.md §9 Open Question 1:
// Codex's token_count is treated as a combined total, kind "unknown",
// attributed entirely to input_tokens since the event stream doesn't
// split input/output at the point this field is emitted).
func extractCodexUsage(extra map[string]any) (in, out, cacheRead, cacheCreate int64, ok bool) {
	raw, present := extra["token_count"]
	if !present {
		return 0, 0, 0, 0, false
	}
	return asInt64(raw), 0, 0, 0, true
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int8:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}

// modelFamily strips version suffixes off a model name for grouping in
// usage_rollups (e.g. "claude-sonnet-4-20250514" -> "claude-sonnet").
func modelFamily(model string) string {
	parts := strings.Split(model, "-")
	var family []string
	for _, p := range parts {
		if len(p) > 0 && isDigitRune(p[0]) {
			break
		}
		family = append(family, p)
	}
	if len(family) == 0 {
		return model
	}
	return strings.Join(family, "-")
}

func isDigitRune(b byte) bool { return b >= '0' && b <= '9' }

// toolCallPattern matches the "[Tool: <name>]" markers connectors embed
// in normalized content for tool invocations (spec.md §4.1).
var toolCallPattern = regexp.MustCompile(`\[Tool: [^\]]+\]`)

func countToolCalls(content string, extra map[string]any) int64 {
	if calls, ok := extra["tool_calls"].([]any); ok {
		return int64(len(calls))
	}
	return int64(len(toolCallPattern.FindAllString(content, -1)))
}

// planMarkerPattern recognizes the conventional shapes a planning
// message takes across agents: a "## Plan" heading, or three or more
// numbered/checkbox list items anywhere in the text, consecutive or not
// (spec.md §4.10 step 5, a heuristic — never a certainty).
var planMarkerPattern = regexp.MustCompile(`(?mi)^##?\s*plan\b|^\s*-\s*\[[ xX]\]\s|^\s*\d+\.\s`)

func hasPlanMarkers(canonicalText string) bool {
	matches := planMarkerPattern.FindAllStringIndex(canonicalText, -1)
	return len(matches) >= 3 || strings.Contains(strings.ToLower(canonicalText), "## plan")
}

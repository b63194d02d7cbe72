package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAgentSourceWorkspace(t *testing.T, s *Store) (agentID, sourceID, workspaceID int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.ReconcileAgents(ctx, []Agent{{Slug: "claude_code", Name: "Claude Code"}}); err != nil {
		t.Fatalf("ReconcileAgents: %v", err)
	}
	agentID, err := s.AgentID(ctx, "claude_code")
	if err != nil {
		t.Fatalf("AgentID: %v", err)
	}
	sourceID, err = s.UpsertSource(ctx, "local", "local machine", "")
	if err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	workspaceID, err = s.UpsertWorkspace(ctx, "/home/user/project", "project")
	if err != nil {
		t.Fatalf("UpsertWorkspace: %v", err)
	}
	return agentID, sourceID, workspaceID
}

func TestReconcileAgentsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agents := []Agent{{Slug: "claude_code", Name: "Claude Code"}, {Slug: "codex", Name: "Codex"}}
	if err := s.ReconcileAgents(ctx, agents); err != nil {
		t.Fatalf("first ReconcileAgents: %v", err)
	}
	if err := s.ReconcileAgents(ctx, agents); err != nil {
		t.Fatalf("second ReconcileAgents: %v", err)
	}
	id1, err := s.AgentID(ctx, "claude_code")
	if err != nil {
		t.Fatalf("AgentID: %v", err)
	}
	// Re-running reconcile with the same slug must resolve to the same id.
	if err := s.ReconcileAgents(ctx, agents); err != nil {
		t.Fatalf("third ReconcileAgents: %v", err)
	}
	id2, err := s.AgentID(ctx, "claude_code")
	if err != nil {
		t.Fatalf("AgentID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("agent id changed across reconciles: %d vs %d", id1, id2)
	}
}

func TestAgentIDUnknownSlug(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AgentID(context.Background(), "no_such_agent")
	if err == nil {
		t.Fatalf("expected error for unknown agent slug")
	}
}

func TestUpsertWorkspaceRejectsEmptyPath(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertWorkspace(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error for empty canonical_path")
	}
}

func TestUpsertWorkspaceIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id1, err := s.UpsertWorkspace(ctx, "/a/b/c", "")
	if err != nil {
		t.Fatalf("UpsertWorkspace: %v", err)
	}
	id2, err := s.UpsertWorkspace(ctx, "/a/b/c", "")
	if err != nil {
		t.Fatalf("UpsertWorkspace: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("UpsertWorkspace not idempotent: %d vs %d", id1, id2)
	}
}

func TestUpsertConversationIdempotentOnNaturalKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)

	c := Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	}
	id1, err := s.UpsertConversation(ctx, c)
	if err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	c.UpdatedAtMS = 2000
	c.Title = "a later title"
	id2, err := s.UpsertConversation(ctx, c)
	if err != nil {
		t.Fatalf("UpsertConversation (update): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("UpsertConversation returned different ids for same natural key: %d vs %d", id1, id2)
	}

	got, _, err := s.Fetch(ctx, id1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.UpdatedAtMS != 2000 {
		t.Fatalf("UpdatedAtMS = %d, want 2000 (refreshed by upsert)", got.UpdatedAtMS)
	}
	if got.Title != "a later title" {
		t.Fatalf("Title = %q, want refreshed title", got.Title)
	}
}

func TestAppendMessagesAndLookupByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, err := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})
	if err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	msgs := []Message{
		{Idx: 0, Role: connectorsdk.RoleUser, CreatedAtMS: 1000, Content: "hello", ContentHash: "hash-a"},
		{Idx: 1, Role: connectorsdk.RoleAssistant, CreatedAtMS: 1001, Content: "hi there", ContentHash: "hash-b"},
	}
	ids, err := s.AppendMessages(ctx, convID, msgs, nil, AppendOptions{})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}

	found, err := s.LookupByHash(ctx, "hash-a")
	if err != nil {
		t.Fatalf("LookupByHash: %v", err)
	}
	if len(found) != 1 || found[0] != ids[0] {
		t.Fatalf("LookupByHash(hash-a) = %v, want [%d]", found, ids[0])
	}

	none, err := s.LookupByHash(ctx, "no-such-hash")
	if err != nil {
		t.Fatalf("LookupByHash: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("LookupByHash(no-such-hash) = %v, want empty", none)
	}
}

// TestAppendMessagesSkipsUnchanged exercises the incremental-skip contract:
// re-appending a message with an identical (conversation_id, idx,
// content_hash) returns the same message id rather than erroring or
// duplicating.
func TestAppendMessagesSkipsUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, _ := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})

	msg := Message{Idx: 0, Role: connectorsdk.RoleUser, CreatedAtMS: 1000, Content: "hello", ContentHash: "hash-a"}
	ids1, err := s.AppendMessages(ctx, convID, []Message{msg}, nil, AppendOptions{})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	ids2, err := s.AppendMessages(ctx, convID, []Message{msg}, nil, AppendOptions{})
	if err != nil {
		t.Fatalf("second AppendMessages: %v", err)
	}
	if ids1[0] != ids2[0] {
		t.Fatalf("re-appending an unchanged message produced a new id: %d vs %d", ids1[0], ids2[0])
	}
}

func TestAppendMessagesConflictWithoutReplaceIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, _ := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})

	orig := Message{Idx: 0, Role: connectorsdk.RoleUser, CreatedAtMS: 1000, Content: "hello", ContentHash: "hash-a"}
	if _, err := s.AppendMessages(ctx, convID, []Message{orig}, nil, AppendOptions{}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	edited := orig
	edited.Content = "hello edited"
	edited.ContentHash = "hash-a-edited"
	if _, err := s.AppendMessages(ctx, convID, []Message{edited}, nil, AppendOptions{}); err == nil {
		t.Fatalf("expected conflict error without ReplaceOnConflict")
	}
}

// TestAppendMessagesReplaceOnConflictSupersedes covers DESIGN.md's
// append-with-supersession decision: a conflicting edit under
// ReplaceOnConflict gets a fresh monotonic idx, and the prior row is
// marked superseded (and excluded from Fetch).
func TestAppendMessagesReplaceOnConflictSupersedes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, _ := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})

	orig := Message{Idx: 0, Role: connectorsdk.RoleUser, CreatedAtMS: 1000, Content: "hello", ContentHash: "hash-a"}
	origIDs, err := s.AppendMessages(ctx, convID, []Message{orig}, nil, AppendOptions{})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	edited := orig
	edited.Content = "hello edited"
	edited.ContentHash = "hash-a-edited"
	newIDs, err := s.AppendMessages(ctx, convID, []Message{edited}, nil, AppendOptions{ReplaceOnConflict: true})
	if err != nil {
		t.Fatalf("AppendMessages with ReplaceOnConflict: %v", err)
	}
	if newIDs[0] == origIDs[0] {
		t.Fatalf("expected a new message id for the superseding row")
	}

	_, msgs, err := s.Fetch(ctx, convID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, m := range msgs {
		if m.ID == origIDs[0] {
			t.Fatalf("superseded message %d still present in Fetch's non-superseded view", origIDs[0])
		}
	}
	if len(msgs) != 1 || msgs[0].ID != newIDs[0] {
		t.Fatalf("Fetch messages = %+v, want only the superseding message", msgs)
	}
}

// TestAppendMessagesWithUsageKeepsRollupConsistent exercises spec.md §8
// invariant 2: "For every row in any rollup, its values equal the sum of
// matching fact rows."
func TestAppendMessagesWithUsageKeepsRollupConsistent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, _ := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})

	msgs := []Message{
		{Idx: 0, Role: connectorsdk.RoleAssistant, CreatedAtMS: 1000, Content: "a", ContentHash: "h1"},
		{Idx: 1, Role: connectorsdk.RoleAssistant, CreatedAtMS: 1000, Content: "b", ContentHash: "h2"},
	}
	usage := []*TokenUsage{
		{AgentID: agentID, WorkspaceID: &workspaceID, SourceID: sourceID, DayID: 0, CreatedAtMS: 1000,
			ModelFamily: "claude", Role: "assistant", InputTokens: 10, OutputTokens: 20, DataSource: "api"},
		{AgentID: agentID, WorkspaceID: &workspaceID, SourceID: sourceID, DayID: 0, CreatedAtMS: 1000,
			ModelFamily: "claude", Role: "assistant", InputTokens: 5, OutputTokens: 7, DataSource: "api"},
	}
	if _, err := s.AppendMessages(ctx, convID, msgs, usage, AppendOptions{}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	var rollupInput, rollupOutput, rollupCount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(message_count),0)
		FROM usage_rollups WHERE granularity = 'day'
	`).Scan(&rollupInput, &rollupOutput, &rollupCount)
	if err != nil {
		t.Fatalf("scan rollup sums: %v", err)
	}

	var factInput, factOutput, factCount int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COUNT(*) FROM token_usage
	`).Scan(&factInput, &factOutput, &factCount)
	if err != nil {
		t.Fatalf("scan fact sums: %v", err)
	}

	if rollupInput != factInput {
		t.Errorf("rollup input_tokens=%d != fact sum=%d", rollupInput, factInput)
	}
	if rollupOutput != factOutput {
		t.Errorf("rollup output_tokens=%d != fact sum=%d", rollupOutput, factOutput)
	}
	if rollupCount != factCount {
		t.Errorf("rollup message_count=%d != fact row count=%d", rollupCount, factCount)
	}
}

// TestRebuildAnalyticsIsByteIdentical exercises spec.md §8's round-trip
// law: rebuild_analytics(all) applied to a corpus produces byte-identical
// (here: value-identical) rollup tables.
func TestRebuildAnalyticsIsByteIdentical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	agentID, sourceID, workspaceID := seedAgentSourceWorkspace(t, s)
	convID, _ := s.UpsertConversation(ctx, Conversation{
		SourceID: sourceID, AgentID: agentID, WorkspaceID: &workspaceID,
		AgentSlug: "claude_code", NaturalKey: "session-1", StartedAtMS: 1000, UpdatedAtMS: 1000,
	})
	msgs := []Message{
		{Idx: 0, Role: connectorsdk.RoleAssistant, CreatedAtMS: 1000, Content: "a", ContentHash: "h1"},
	}
	usage := []*TokenUsage{
		{AgentID: agentID, WorkspaceID: &workspaceID, SourceID: sourceID, DayID: 0, CreatedAtMS: 1000,
			ModelFamily: "claude", Role: "assistant", InputTokens: 100, OutputTokens: 200, DataSource: "api"},
	}
	if _, err := s.AppendMessages(ctx, convID, msgs, usage, AppendOptions{}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	before, err := dumpRollups(ctx, t, s)
	if err != nil {
		t.Fatalf("dumpRollups before: %v", err)
	}
	if err := s.RebuildAnalytics(ctx); err != nil {
		t.Fatalf("RebuildAnalytics: %v", err)
	}
	after, err := dumpRollups(ctx, t, s)
	if err != nil {
		t.Fatalf("dumpRollups after: %v", err)
	}
	if before != after {
		t.Fatalf("rollups differ after rebuild:\nbefore=%s\nafter=%s", before, after)
	}
}

func dumpRollups(ctx context.Context, t *testing.T, s *Store) (string, error) {
	t.Helper()
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_id, granularity, agent_slug, workspace_id, source_id, model_family, tool_name,
			message_count, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			api_coverage_count, estimated_coverage_count, estimated_cost_usd
		FROM usage_rollups ORDER BY bucket_id, granularity, agent_slug, workspace_id, source_id, model_family, tool_name
	`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var sb strings.Builder
	for rows.Next() {
		var bucketID, wsID, srcID, msgCount, inTok, outTok, cacheR, cacheC, apiCov, estCov int64
		var granularity, agentSlug, modelFamily, toolName string
		var estCost float64
		if err := rows.Scan(&bucketID, &granularity, &agentSlug, &wsID, &srcID, &modelFamily, &toolName,
			&msgCount, &inTok, &outTok, &cacheR, &cacheC, &apiCov, &estCov, &estCost); err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "|%d,%s,%s,%d,%d,%s,%s,%d,%d,%d,%d,%d,%d,%d,%v",
			bucketID, granularity, agentSlug, wsID, srcID, modelFamily, toolName,
			msgCount, inTok, outTok, cacheR, cacheC, apiCov, estCov, estCost)
	}
	return sb.String(), rows.Err()
}

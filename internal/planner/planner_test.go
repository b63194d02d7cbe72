package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/cass/internal/catalog"
	"github.com/fyrsmithlabs/cass/internal/lexical"
	"github.com/fyrsmithlabs/cass/internal/reranker"
	"github.com/fyrsmithlabs/cass/internal/vecindex"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// TestFuseRRFScenarioSeed5 mirrors spec.md §8 scenario 5: lexical returns
// ranks for docs [A,B,C,D,E], semantic returns [C,F,A,G,H]. With k=60 and
// 0-based ranks, the formula given in spec.md §4.8 (score(d) = Σ 1/(k+rank+1))
// puts A at lexical rank 0 + semantic rank 2 = 1/61 + 1/63, and C at lexical
// rank 2 + semantic rank 0 = 1/63 + 1/61 — the same two terms in the other
// order, so the raw RRF scores for A and C are exactly equal (the spec's
// prose example, which states distinct values of 1/61+1/63 and 1/62+1/61,
// doesn't match its own rank lists; the formula is the source of truth).
// The tie is broken by the documented secondary signal (spec.md §4.8: "(b)
// max(BM25 normalized, cosine normalized)"): A is the top lexical hit
// (normalized BM25 1.0) while C is only the third lexical hit (0.6), so A
// sorts ahead of C in the fused order even though their RRF scores tie.
func TestFuseRRFScenarioSeed5(t *testing.T) {
	const (
		A, B, C, D, E, F, G, H int64 = 1, 2, 3, 4, 5, 6, 7, 8
	)
	lexHits := []lexical.Hit{
		{MessageID: A, Score: 5},
		{MessageID: B, Score: 4},
		{MessageID: C, Score: 3},
		{MessageID: D, Score: 2},
		{MessageID: E, Score: 1},
	}
	vecHits := []vecindex.Hit{
		{Row: vecindex.Row{MessageID: C}, Score: 0.9},
		{Row: vecindex.Row{MessageID: F}, Score: 0.8},
		{Row: vecindex.Row{MessageID: A}, Score: 0.7},
		{Row: vecindex.Row{MessageID: G}, Score: 0.6},
		{Row: vecindex.Row{MessageID: H}, Score: 0.5},
	}

	fused := fuseRRF(lexHits, vecHits, 60, RankBalanced, 0)

	scoreOf := func(id int64) float64 {
		for _, h := range fused {
			if h.MessageID == id {
				return h.Score
			}
		}
		t.Fatalf("message_id %d missing from fused result", id)
		return 0
	}
	rankOf := func(id int64) int {
		for i, h := range fused {
			if h.MessageID == id {
				return i
			}
		}
		t.Fatalf("message_id %d missing from fused result", id)
		return -1
	}

	wantAC := 1.0/61 + 1.0/63
	gotA := scoreOf(A)
	gotC := scoreOf(C)

	const eps = 1e-9
	if diff := gotA - wantAC; diff > eps || diff < -eps {
		t.Errorf("RRF score for A = %v, want %v", gotA, wantAC)
	}
	if diff := gotC - wantAC; diff > eps || diff < -eps {
		t.Errorf("RRF score for C = %v, want %v", gotC, wantAC)
	}
	if diff := gotA - gotC; diff > eps || diff < -eps {
		t.Errorf("expected A (%v) and C (%v) to have equal raw RRF scores", gotA, gotC)
	}
	if rankOf(A) >= rankOf(C) {
		t.Errorf("expected A ranked ahead of C after tie-break, got ranks A=%d C=%d", rankOf(A), rankOf(C))
	}
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	lexHits := []lexical.Hit{{MessageID: 10, Score: 1}, {MessageID: 20, Score: 1}}
	out1 := fuseRRF(lexHits, nil, 60, RankBalanced, 0)
	out2 := fuseRRF(lexHits, nil, 60, RankBalanced, 0)
	if len(out1) != 2 || len(out2) != 2 {
		t.Fatalf("expected 2 fused hits each run")
	}
	for i := range out1 {
		if out1[i].MessageID != out2[i].MessageID {
			t.Fatalf("non-deterministic fusion order: %v vs %v", out1, out2)
		}
	}
	// Equal RRF contribution and equal signals -> lower message_id wins.
	if out1[0].MessageID != 10 {
		t.Errorf("tie-break winner = %d, want 10 (lower message_id)", out1[0].MessageID)
	}
}

func TestOrderHitsDateNewestStableOnTies(t *testing.T) {
	hits := []Hit{
		{MessageID: 3, CreatedAtMS: 100},
		{MessageID: 1, CreatedAtMS: 100},
		{MessageID: 2, CreatedAtMS: 200},
	}
	out := orderHits(hits, RankDateNewest)
	want := []int64{2, 1, 3}
	for i, id := range want {
		if out[i].MessageID != id {
			t.Fatalf("orderHits(DateNewest) = %v, want message_id order %v", out, want)
		}
	}
}

func TestOrderHitsDateOldest(t *testing.T) {
	hits := []Hit{
		{MessageID: 2, CreatedAtMS: 200},
		{MessageID: 1, CreatedAtMS: 100},
	}
	out := orderHits(hits, RankDateOldest)
	if out[0].MessageID != 1 || out[1].MessageID != 2 {
		t.Fatalf("orderHits(DateOldest) = %v, want oldest first", out)
	}
}

func TestRankSemanticOnlyAppliesRecencyWeighting(t *testing.T) {
	hits := []vecindex.Hit{
		{Row: vecindex.Row{MessageID: 1, CreatedAtMS: 0}, Score: 1.0},
		{Row: vecindex.Row{MessageID: 2, CreatedAtMS: 1000}, Score: 1.0},
	}
	out := rankSemanticOnly(hits, RankRecent, 1000)
	// Same cosine score; the more recent message should score higher under
	// Recent weighting (spec.md §4.8: Recent 0.3/0.7).
	var s1, s2 float64
	for _, h := range out {
		if h.MessageID == 1 {
			s1 = h.Score
		} else {
			s2 = h.Score
		}
	}
	if s2 <= s1 {
		t.Errorf("more recent hit (score %v) should outrank older hit (score %v) under Recent ranking", s2, s1)
	}
}

func TestWeightsSumToOne(t *testing.T) {
	for _, mode := range []RankingMode{RankRecent, RankBalanced, RankRelevance, RankQuality} {
		rel, rec := weights(mode)
		if sum := rel + rec; sum < 0.999 || sum > 1.001 {
			t.Errorf("weights(%s) = (%v, %v), sum %v != 1", mode, rel, rec, sum)
		}
	}
}

func TestRankLexicalOnlyNormalizesAgainstMax(t *testing.T) {
	hits := []lexical.Hit{
		{MessageID: 1, Score: 10},
		{MessageID: 2, Score: 5},
	}
	out := rankLexicalOnly(hits, RankRelevance, 0)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	var top, second float64
	for _, h := range out {
		if h.MessageID == 1 {
			top = h.Score
		} else {
			second = h.Score
		}
	}
	if top <= second {
		t.Fatalf("higher BM25 score should rank higher: top=%v second=%v", top, second)
	}
}

// TestEngineRerankTopKReordersByContentOverlap exercises C9 end to end
// through Engine.Plan's call site (spec.md §4.9): a reranker hydrates the
// top-K fused candidates' content from the catalog and can promote a
// lower-fused-score hit whose content overlaps the query more strongly.
func TestEngineRerankTopKReordersByContentOverlap(t *testing.T) {
	ctx := context.Background()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.ReconcileAgents(ctx, []catalog.Agent{{Slug: "claude_code", Name: "Claude Code"}}); err != nil {
		t.Fatalf("ReconcileAgents: %v", err)
	}
	agentID, err := s.AgentID(ctx, "claude_code")
	if err != nil {
		t.Fatalf("AgentID: %v", err)
	}
	sourceID, err := s.UpsertSource(ctx, "local", "local machine", "")
	if err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	convID, err := s.UpsertConversation(ctx, catalog.Conversation{
		SourceID: sourceID, AgentID: agentID, AgentSlug: "claude_code", NaturalKey: "k1",
	})
	if err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	// message_id 1 ranks ahead of message_id 2 on fused score alone, but
	// has no term overlap with the query; message_id 2 ranks second yet
	// contains every query term.
	msgs := []catalog.Message{
		{ConversationID: convID, Idx: 0, Role: connectorsdk.RoleAssistant, Content: "the weather today is mild and pleasant", ContentHash: "h1"},
		{ConversationID: convID, Idx: 1, Role: connectorsdk.RoleAssistant, Content: "kubernetes deployment rollback procedure for production cluster", ContentHash: "h2"},
	}
	ids, err := s.AppendMessages(ctx, convID, msgs, nil, catalog.AppendOptions{})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	fused := []Hit{
		{MessageID: ids[0], Score: 0.9},
		{MessageID: ids[1], Score: 0.5},
	}

	e := &Engine{Catalog: s, Reranker: reranker.NewSimpleReranker()}
	out := e.rerankTopK(ctx, "kubernetes deployment rollback", fused)

	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].MessageID != ids[1] {
		t.Errorf("expected reranker to promote the content-overlapping hit (message_id %d) to first, got order %v", ids[1], []int64{out[0].MessageID, out[1].MessageID})
	}
}

// TestEngineRerankTopKPreservesOrderWhenMessagesUnresolved covers the
// degraded path: message ids with nothing in the catalog hydrate to empty
// content, so the reranker's term-overlap signal is 0 for every candidate
// and the original (fused-score) order survives untouched — this is the
// same "never fatal, fused scores are used" guarantee (spec.md §4.9) for
// the partial-hydration case rather than a hard Rerank error.
func TestEngineRerankTopKPreservesOrderWhenMessagesUnresolved(t *testing.T) {
	ctx := context.Background()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fused := []Hit{{MessageID: 1, Score: 0.9}, {MessageID: 2, Score: 0.5}}
	e := &Engine{Catalog: s, Reranker: reranker.NewSimpleReranker()}
	out := e.rerankTopK(ctx, "anything", fused)
	if len(out) != 2 || out[0].MessageID != 1 || out[1].MessageID != 2 {
		t.Errorf("expected unchanged order when no message content resolves, got %v", out)
	}
}

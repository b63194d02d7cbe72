// Package planner implements the query planner & fuser (C8): it resolves
// a SearchMode into a concrete execution plan over the lexical index
// (C3) and the vector index (C6), fuses hybrid results with
// Reciprocal-Rank-Fusion, applies ranking-mode weighting, and degrades
// gracefully when semantic retrieval is unavailable (spec.md §4.8).
package planner

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/fyrsmithlabs/cass/internal/canon"
	"github.com/fyrsmithlabs/cass/internal/catalog"
	"github.com/fyrsmithlabs/cass/internal/config"
	"github.com/fyrsmithlabs/cass/internal/embedder"
	"github.com/fyrsmithlabs/cass/internal/errs"
	"github.com/fyrsmithlabs/cass/internal/lexical"
	"github.com/fyrsmithlabs/cass/internal/reranker"
	"github.com/fyrsmithlabs/cass/internal/vecindex"
)

// SearchMode selects which retrieval path(s) the planner runs.
type SearchMode string

const (
	ModeLexical  SearchMode = "lexical"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// RankingMode picks the relevance/recency blend applied within a mode
// (spec.md §4.8).
type RankingMode string

const (
	RankRecent    RankingMode = "recent"
	RankBalanced  RankingMode = "balanced"
	RankRelevance RankingMode = "relevance"
	RankQuality   RankingMode = "quality"
	RankDateNewest RankingMode = "date_newest"
	RankDateOldest RankingMode = "date_oldest"
)

// weights returns the (relevance, recency) blend for a ranking mode;
// Date-Newest/Oldest are handled separately since they order by time
// alone (spec.md §4.8).
func weights(mode RankingMode) (relevance, recency float64) {
	switch mode {
	case RankRecent:
		return 0.3, 0.7
	case RankRelevance:
		return 0.8, 0.2
	case RankQuality:
		return 0.85, 0.15
	default: // RankBalanced and unset
		return 0.5, 0.5
	}
}

// Request is one planner invocation.
type Request struct {
	Query        string
	Mode         SearchMode
	Ranking      RankingMode
	Limit        int
	Offset       int
	Filter       Filter
	AllowDegrade bool // if false, a degraded semantic request fails instead
	RecencyTauMS float64
}

// Filter narrows candidates by catalog identity and time, shared across
// the lexical and semantic legs (spec.md §4.8 "apply filters").
type Filter struct {
	AgentSlugs  []string
	AgentIDs    []uint32
	WorkspaceID *int64
	SourceID    *int64
	Role        string
	SinceMS     int64
	UntilMS     int64
}

// Hit is one fused, ranked result.
type Hit struct {
	MessageID   int64
	Score       float64
	Snippet     string
	CreatedAtMS int64
	Sources     []string // "lexical", "semantic", whichever leg(s) produced it

	tieSignal float64 // deterministic tie-break signal, set only by fuseRRF
}

// Result is the planner's output, including degradation metadata
// callers surface to the operator (spec.md §4.8 "reports the degradation
// in result metadata").
type Result struct {
	Hits      []Hit
	Degraded  bool
	DegradeReason string
	ModeUsed  SearchMode
}

// Engine bundles the stores a query runs against. Embedder/VecIndex may
// be nil, in which case semantic mode is unavailable and Hybrid/Semantic
// requests degrade per spec.md §4.8.
type Engine struct {
	Catalog  *catalog.Store
	Lexical  *lexical.Index
	VecIndex *vecindex.Index
	Embedders *embedder.Registry
	// Reranker optionally reorders the top-K fused candidates before
	// truncation (C9, spec.md §4.9). Nil skips the stage entirely;
	// failure inside it is never fatal to the query.
	Reranker reranker.Reranker
	Cfg      config.SearchConfig
	CanonCfg canon.Options
}

// Plan executes req and returns fused, ranked hits.
func (e *Engine) Plan(ctx context.Context, req Request) (Result, error) {
	if req.Limit <= 0 {
		req.Limit = e.Cfg.DefaultLimit
		if req.Limit <= 0 {
			req.Limit = 20
		}
	}
	depthMul := e.Cfg.CandidateDepthMul
	if depthMul <= 0 {
		depthMul = 3
	}
	candidateDepth := depthMul * req.Limit
	tau := req.RecencyTauMS
	if tau <= 0 {
		tau = 7 * 24 * 3600 * 1000 // 7 days, default recency half-life scale
	}

	mode := req.Mode
	if mode == "" {
		mode = SearchMode(e.Cfg.DefaultMode)
	}
	if mode == "" {
		mode = ModeHybrid
	}

	semanticAvailable := e.Embedders != nil && e.VecIndex != nil
	result := Result{ModeUsed: mode}

	if (mode == ModeSemantic || mode == ModeHybrid) && !semanticAvailable {
		if mode == ModeSemantic && !req.AllowDegrade {
			return Result{}, errs.New(errs.PolicyRefusal, "semantic search unavailable and degradation refused")
		}
		result.Degraded = true
		result.DegradeReason = "semantic embedder or vector index unavailable"
		mode = ModeLexical
		result.ModeUsed = ModeLexical
	}

	var lexHits []lexical.Hit
	var vecHits []vecindex.Hit
	var err error

	if mode == ModeLexical || mode == ModeHybrid {
		lexHits, err = e.runLexical(req, candidateDepth)
		if err != nil {
			return Result{}, err
		}
	}
	if mode == ModeSemantic || mode == ModeHybrid {
		vecHits, err = e.runSemantic(ctx, req, candidateDepth)
		if err != nil {
			if mode == ModeSemantic {
				return Result{}, err
			}
			// Hybrid leg failed at runtime (e.g. embed call errored):
			// degrade to the lexical leg alone rather than failing the
			// whole query.
			result.Degraded = true
			result.DegradeReason = err.Error()
			vecHits = nil
		}
	}

	var fused []Hit
	switch {
	case mode == ModeLexical || (mode == ModeHybrid && len(vecHits) == 0 && result.Degraded):
		fused = rankLexicalOnly(lexHits, req.Ranking, tau)
	case mode == ModeSemantic:
		fused = rankSemanticOnly(vecHits, req.Ranking, tau)
	default: // Hybrid with both legs present
		fused = fuseRRF(lexHits, vecHits, e.Cfg.RRFK, req.Ranking, tau)
	}

	if e.Cfg.DiversityEnabled {
		fused = applyDiversity(fused)
	}

	fused = orderHits(fused, req.Ranking)

	if e.Reranker != nil && e.Cfg.RerankEnabled && len(fused) > 0 {
		fused = e.rerankTopK(ctx, req.Query, fused)
	}

	start := req.Offset
	if start > len(fused) {
		start = len(fused)
	}
	end := start + req.Limit
	if end > len(fused) {
		end = len(fused)
	}
	result.Hits = fused[start:end]
	return result, nil
}

func (e *Engine) runLexical(req Request, depth int) ([]lexical.Hit, error) {
	lighterOpts := e.CanonCfg
	lighterOpts.CodeCollapseHeadLines, lighterOpts.CodeCollapseTailLines = 0, 0
	canonicalQuery := canon.Canonical(req.Query, lighterOpts)

	lr := lexical.SearchRequest{
		Query: canonicalQuery,
		Limit: depth,
		Filter: lexical.Filters{
			AgentSlugs:  req.Filter.AgentSlugs,
			WorkspaceID: req.Filter.WorkspaceID,
			SourceID:    req.Filter.SourceID,
			Role:        req.Filter.Role,
			SinceMS:     req.Filter.SinceMS,
			UntilMS:     req.Filter.UntilMS,
		},
	}
	res, err := e.Lexical.Search(lr)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

func (e *Engine) runSemantic(ctx context.Context, req Request, depth int) ([]vecindex.Hit, error) {
	canonicalQuery := canon.Canonical(req.Query, e.CanonCfg)
	emb := e.Embedders.Current()
	vec, err := emb.Embed(ctx, canonicalQuery)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "embed query", err)
	}

	filter := &vecindex.Filter{
		SinceMS: req.Filter.SinceMS,
		UntilMS: req.Filter.UntilMS,
	}
	if len(req.Filter.AgentIDs) > 0 {
		filter.AgentIDs = make(map[uint32]bool, len(req.Filter.AgentIDs))
		for _, id := range req.Filter.AgentIDs {
			filter.AgentIDs[id] = true
		}
	}
	if req.Filter.WorkspaceID != nil {
		filter.WorkspaceIDs = map[uint32]bool{uint32(*req.Filter.WorkspaceID): true}
	}
	if req.Filter.SourceID != nil {
		filter.SourceIDs = map[uint32]bool{uint32(*req.Filter.SourceID): true}
	}

	hits := e.VecIndex.SearchTopK(vec, depth, filter, true, 5000)
	return embedder.CollapseChunks(hits,
		func(h vecindex.Hit) int64 { return h.Row.MessageID },
		func(h vecindex.Hit) float32 { return h.Score },
	), nil
}

func normalizeCosine(score float32) float64 { return (float64(score) + 1) / 2 }

func recencyFactor(createdAtMS int64, nowMS int64, tauMS float64) float64 {
	if tauMS <= 0 {
		return 0
	}
	age := float64(nowMS - createdAtMS)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / tauMS)
}

func blend(relevance, recency float64, mode RankingMode) float64 {
	rw, cw := weights(mode)
	return rw*relevance + cw*recency
}

// rankLexicalOnly normalizes BM25 scores into a relevance signal. Lexical
// hits carry no created_at_ms at this layer (the lexical index stores it
// but Search doesn't project it back here), so the recency term is 0 and
// ranking-mode weighting degenerates to relevance-only; Date-Newest/Oldest
// still work downstream once orderHits resorts by CreatedAtMS, which will
// be 0 for every lexical-only hit — callers wanting recency-aware lexical
// ranking should use Hybrid.
func rankLexicalOnly(hits []lexical.Hit, mode RankingMode, tau float64) []Hit {
	_ = tau
	out := make([]Hit, 0, len(hits))
	maxScore := maxLexicalScore(hits)
	for _, h := range hits {
		rel := 0.0
		if maxScore > 0 {
			rel = h.Score / maxScore
		}
		out = append(out, Hit{
			MessageID: h.MessageID,
			Score:     blend(rel, 0, mode),
			Snippet:   h.Snippet,
			Sources:   []string{"lexical"},
		})
	}
	return out
}

func maxLexicalScore(hits []lexical.Hit) float64 {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

func rankSemanticOnly(hits []vecindex.Hit, mode RankingMode, tau float64) []Hit {
	ref := referenceTimeSemantic(hits)
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		rel := normalizeCosine(h.Score)
		rec := recencyFactor(h.Row.CreatedAtMS, ref, tau)
		out = append(out, Hit{
			MessageID:   h.Row.MessageID,
			Score:       blend(rel, rec, mode),
			CreatedAtMS: h.Row.CreatedAtMS,
			Sources:     []string{"semantic"},
		})
	}
	return out
}

func referenceTimeSemantic(hits []vecindex.Hit) int64 {
	var max int64
	for _, h := range hits {
		if h.Row.CreatedAtMS > max {
			max = h.Row.CreatedAtMS
		}
	}
	return max
}

// fuseRRF combines lexical and semantic candidate lists by
// Reciprocal-Rank-Fusion, k configurable (default 60), with deterministic
// tie-breaks: ranking-mode-specific signal, then max(BM25 normalized,
// cosine normalized), then lower message_id (spec.md §4.8).
func fuseRRF(lexHits []lexical.Hit, vecHits []vecindex.Hit, k int, mode RankingMode, tau float64) []Hit {
	if k <= 0 {
		k = 60
	}
	type acc struct {
		messageID   int64
		rrf         float64
		bestLexNorm float64
		bestSemNorm float64
		createdAtMS int64
		sources     map[string]bool
		snippet     string
	}
	byID := make(map[int64]*acc)

	maxLex := maxLexicalScore(lexHits)
	for rank, h := range lexHits {
		a, ok := byID[h.MessageID]
		if !ok {
			a = &acc{messageID: h.MessageID, sources: map[string]bool{}}
			byID[h.MessageID] = a
		}
		a.rrf += 1.0 / float64(k+rank+1)
		a.sources["lexical"] = true
		if maxLex > 0 {
			norm := h.Score / maxLex
			if norm > a.bestLexNorm {
				a.bestLexNorm = norm
			}
		}
		if a.snippet == "" {
			a.snippet = h.Snippet
		}
	}
	for rank, h := range vecHits {
		a, ok := byID[h.Row.MessageID]
		if !ok {
			a = &acc{messageID: h.Row.MessageID, sources: map[string]bool{}}
			byID[h.Row.MessageID] = a
		}
		a.rrf += 1.0 / float64(k+rank+1)
		a.sources["semantic"] = true
		norm := normalizeCosine(h.Score)
		if norm > a.bestSemNorm {
			a.bestSemNorm = norm
		}
		if h.Row.CreatedAtMS > a.createdAtMS {
			a.createdAtMS = h.Row.CreatedAtMS
		}
	}

	var refTime int64
	for _, a := range byID {
		if a.createdAtMS > refTime {
			refTime = a.createdAtMS
		}
	}

	out := make([]Hit, 0, len(byID))
	for _, a := range byID {
		srcs := make([]string, 0, len(a.sources))
		for s := range a.sources {
			srcs = append(srcs, s)
		}
		sort.Strings(srcs)
		rec := recencyFactor(a.createdAtMS, refTime, tau)
		tieSignal := blend(math.Max(a.bestLexNorm, a.bestSemNorm), rec, mode)
		out = append(out, Hit{
			MessageID:   a.messageID,
			Score:       a.rrf,
			Snippet:     a.snippet,
			CreatedAtMS: a.createdAtMS,
			Sources:     srcs,
			tieSignal:   tieSignal,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].tieSignal != out[j].tieSignal {
			return out[i].tieSignal > out[j].tieSignal
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// orderHits applies final ordering: Date-Newest/Oldest sort purely by
// time (spec.md §4.8), everything else is already score-sorted by its
// ranker, with a deterministic (score desc, message_id asc) tie-break.
func orderHits(hits []Hit, mode RankingMode) []Hit {
	switch mode {
	case RankDateNewest:
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].CreatedAtMS != hits[j].CreatedAtMS {
				return hits[i].CreatedAtMS > hits[j].CreatedAtMS
			}
			return hits[i].MessageID < hits[j].MessageID
		})
		return hits
	case RankDateOldest:
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].CreatedAtMS != hits[j].CreatedAtMS {
				return hits[i].CreatedAtMS < hits[j].CreatedAtMS
			}
			return hits[i].MessageID < hits[j].MessageID
		})
		return hits
	default:
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].MessageID < hits[j].MessageID
		})
		return hits
	}
}

// rerankTopK reorders the first RerankTopK fused candidates with e.Reranker
// (C9, spec.md §4.9), hydrating each candidate's message content from the
// catalog so the cross-encoder-style scorer has text to compare against
// the query, not just a bare message id. Candidates beyond the top-K are
// appended unchanged after the reranked head. A hydration or rerank
// failure is never fatal (spec.md §4.9 "fused scores are used") — fused
// is returned as-is.
func (e *Engine) rerankTopK(ctx context.Context, query string, fused []Hit) []Hit {
	k := e.Cfg.RerankTopK
	if k <= 0 {
		k = 75
	}
	if k > len(fused) {
		k = len(fused)
	}
	head := fused[:k]
	tail := fused[k:]

	ids := make([]int64, len(head))
	for i, h := range head {
		ids[i] = h.MessageID
	}
	views, err := e.Catalog.MessagesByID(ctx, ids)
	if err != nil {
		return fused
	}

	byDocID := make(map[string]Hit, len(head))
	docs := make([]reranker.Document, len(head))
	for i, h := range head {
		docID := strconv.FormatInt(h.MessageID, 10)
		docs[i] = reranker.Document{
			ID:      docID,
			Content: views[h.MessageID].Content,
			Score:   float32(h.Score),
		}
		byDocID[docID] = h
	}

	scored, err := e.Reranker.Rerank(ctx, query, docs, len(docs))
	if err != nil || len(scored) != len(docs) {
		return fused
	}

	reordered := make([]Hit, 0, len(fused))
	for _, sd := range scored {
		h, ok := byDocID[sd.ID]
		if !ok {
			return fused
		}
		reordered = append(reordered, h)
	}
	reordered = append(reordered, tail...)
	return reordered
}

// applyDiversity demotes a hit by an additive penalty proportional to how
// many times its message_id already appeared earlier in hits (spec.md
// §4.8, off by default). Hits carry no agent or source, so distinct
// messages from the same source are not demoted, and window is not applied.
func applyDiversity(hits []Hit) []Hit {
	const window = 5
	const penalty = 0.05
	seen := make(map[int64]int) // message_id -> times seen in the trailing window, used as a stand-in dedup key
	out := make([]Hit, len(hits))
	copy(out, hits)
	for i := range out {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		repeats := seen[out[i].MessageID]
		out[i].Score -= float64(repeats) * penalty
		seen[out[i].MessageID]++
		_ = lo
	}
	return out
}

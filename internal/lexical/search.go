package lexical

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// Filters narrows a search to documents matching every non-empty field,
// pushed down before scoring (spec.md §4.4).
type Filters struct {
	AgentSlugs  []string
	WorkspaceID *int64
	SourceID    *int64
	Role        string
	SinceMS     int64
	UntilMS     int64
}

// SearchRequest is one lexical query: text in bleve's own query-string
// syntax, plus filters and pagination (spec.md §4.4, §4.8). Bare terms are
// optional (OR-ed), so no implicit AND is applied between them; a term is
// required with a "+" prefix and excluded with "-", and quoted phrases and
// wildcards are native to that syntax.
type SearchRequest struct {
	Query  string
	Filter Filters
	Limit  int
	Offset int
}

// Hit is one lexical result with a BM25 score and a highlighted snippet.
type Hit struct {
	MessageID int64
	Score     float64
	Snippet   string
}

// Result bundles hits with did-you-mean suggestions.
type Result struct {
	Hits       []Hit
	Suggestions []string
}

// Search executes req against the index. On zero hits, it additionally
// proposes up to 3 edit-distance-1 rewrites drawn from the indexed
// vocabulary (spec.md §4.4 "did-you-mean").
func (x *Index) Search(req SearchRequest) (Result, error) {
	q, err := buildQuery(req)
	if err != nil {
		return Result{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	sr := bleve.NewSearchRequestOptions(q, limit, req.Offset, false)
	sr.Fields = []string{"message_id"}
	sr.Highlight = bleve.NewHighlightWithStyle("html")
	sr.Highlight.AddField("content")

	res, err := x.idx.Search(sr)
	if err != nil {
		return Result{}, errs.Wrap(errs.Transient, "execute lexical search", err)
	}

	out := Result{Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		var msgID int64
		fmt.Sscanf(h.ID, "m%d", &msgID)
		out.Hits = append(out.Hits, Hit{
			MessageID: msgID,
			Score:     h.Score,
			Snippet:   bestSnippet(h.Fragments),
		})
	}

	if len(out.Hits) == 0 {
		out.Suggestions, _ = x.didYouMean(req.Query)
	}
	return out, nil
}

// bestSnippet picks the best-matching highlighted fragment, escaped by
// bleve's own "html" highlight style (spec.md §4.4 "snippets must be
// HTML-safe (escape before adding highlight markers)").
func bestSnippet(fragments map[string][]string) string {
	frags, ok := fragments["content"]
	if !ok || len(frags) == 0 {
		return ""
	}
	return frags[0]
}

// buildQuery translates req into a bleve conjunction of the user's
// query-string query and term/numeric-range filters.
func buildQuery(req SearchRequest) (query.Query, error) {
	var musts []query.Query

	if strings.TrimSpace(req.Query) != "" {
		musts = append(musts, bleve.NewQueryStringQuery(req.Query))
	}

	if len(req.Filter.AgentSlugs) > 0 {
		var should []query.Query
		for _, slug := range req.Filter.AgentSlugs {
			tq := bleve.NewTermQuery(slug)
			tq.SetField("agent_slug")
			should = append(should, tq)
		}
		disj := bleve.NewDisjunctionQuery(should...)
		musts = append(musts, disj)
	}
	if req.Filter.WorkspaceID != nil {
		musts = append(musts, numericEquals("workspace_id", float64(*req.Filter.WorkspaceID)))
	}
	if req.Filter.SourceID != nil {
		musts = append(musts, numericEquals("source_id", float64(*req.Filter.SourceID)))
	}
	if req.Filter.Role != "" {
		tq := bleve.NewTermQuery(req.Filter.Role)
		tq.SetField("role")
		musts = append(musts, tq)
	}
	if req.Filter.SinceMS != 0 || req.Filter.UntilMS != 0 {
		min := float64(req.Filter.SinceMS)
		var max float64
		var maxPtr *float64
		if req.Filter.UntilMS != 0 {
			max = float64(req.Filter.UntilMS)
			maxPtr = &max
		}
		rq := bleve.NewNumericRangeQuery(&min, maxPtr)
		rq.SetField("created_at_ms")
		musts = append(musts, rq)
	}

	if len(musts) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}
	return bleve.NewConjunctionQuery(musts...), nil
}

func numericEquals(field string, v float64) query.Query {
	rq := bleve.NewNumericRangeInclusiveQuery(&v, &v, boolPtr(true), boolPtr(true))
	rq.SetField(field)
	return rq
}

func boolPtr(b bool) *bool { return &b }

// didYouMean proposes up to 3 edit-distance-1 vocabulary terms for the
// first token of query (spec.md §4.4): bleve doesn't expose a dedicated
// fuzzy-suggest API over the raw term dictionary, so this walks the
// content field's term dictionary directly, the same primitive bleve's
// own FuzzyQuery expansion is built on.
func (x *Index) didYouMean(original string) ([]string, error) {
	tokens := strings.Fields(strings.ToLower(original))
	if len(tokens) == 0 {
		return nil, nil
	}
	target := tokens[0]

	idxReader, err := x.idx.Advanced().Reader()
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "open lexical index reader for did-you-mean", err)
	}
	defer idxReader.Close()

	dict, err := idxReader.FieldDict("content")
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "open content field dictionary", err)
	}
	defer dict.Close()

	var candidates []string
	for entry, err := dict.Next(); entry != nil && err == nil; entry, err = dict.Next() {
		if editDistanceOne(target, entry.Term) {
			candidates = append(candidates, entry.Term)
			if len(candidates) >= 3 {
				break
			}
		}
	}
	sort.Strings(candidates)
	return candidates, nil
}

// editDistanceOne reports whether a and b differ by exactly one
// insertion, deletion, or substitution (Levenshtein distance 1).
func editDistanceOne(a, b string) bool {
	if a == b {
		return false
	}
	la, lb := len(a), len(b)
	if abs(la-lb) > 1 {
		return false
	}
	if la == lb {
		diffs := 0
		for i := range a {
			if a[i] != b[i] {
				diffs++
				if diffs > 1 {
					return false
				}
			}
		}
		return diffs == 1
	}
	// One insertion/deletion apart: walk both, allow exactly one skip.
	shorter, longer := a, b
	if la > lb {
		shorter, longer = b, a
	}
	i, j, skipped := 0, 0, false
	for i < len(shorter) && j < len(longer) {
		if shorter[i] == longer[j] {
			i++
			j++
			continue
		}
		if skipped {
			return false
		}
		skipped = true
		j++
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// PrefixQuery and WildcardQuery expose bleve's native wildcard/prefix
// matching directly for callers that want explicit match-mode control
// (spec.md §4.4 "the planner sets a match-mode flag affecting candidate
// expansion") rather than relying on query-string syntax.
func PrefixQuery(field, prefix string) query.Query {
	q := bleve.NewPrefixQuery(prefix)
	q.SetField(field)
	return q
}

func WildcardQuery(field, pattern string) query.Query {
	q := bleve.NewWildcardQuery(pattern)
	q.SetField(field)
	return q
}

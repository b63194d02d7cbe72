package lexical

import (
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

const edgeNGramFilterName = "cass_edge_ngram"

// edgeNGramMin/Max default to config.LexicalConfig's own defaults (2/10)
// and are overridden by Open from the caller's internal/config.Config
// before the index mapping is built; bleve's registry factories have no
// per-call config threading, so this is package state set once at
// startup, same as the teacher's own registry.RegisterTokenFilter use.
var (
	edgeNGramMin = 2
	edgeNGramMax = 10
)

// edgeNGramFilter expands each token into its edge n-grams ("session" ->
// "se","ses","sess",...) so a partial prefix query matches without the
// query side needing a wildcard. bleve ships a symmetrical ngram filter
// but not a dedicated edge variant, so this is hand-rolled and registered
// the same way bleve's own filters are.
type edgeNGramFilter struct{}

func newEdgeNGramFilter(_ map[string]any, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &edgeNGramFilter{}, nil
}

func init() {
	registry.RegisterTokenFilter(edgeNGramFilterName, newEdgeNGramFilter)
}

func (f *edgeNGramFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		out = append(out, tok)
		runes := []rune(string(tok.Term))
		if len(runes) <= edgeNGramMin {
			continue
		}
		max := edgeNGramMax
		if len(runes) < max {
			max = len(runes)
		}
		for n := edgeNGramMin; n < max; n++ {
			out = append(out, &analysis.Token{
				Term:     []byte(string(runes[:n])),
				Start:    tok.Start,
				End:      tok.Start + n,
				Position: tok.Position,
				Type:     tok.Type,
			})
		}
	}
	return out
}

package lexical

import (
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

// identifierTokenizerName is registered with bleve's component registry so
// it can be referenced by name from an index mapping's custom analyzer
// config, the same indirection bleve itself uses for its built-in
// tokenizers.
const identifierTokenizerName = "cass_identifier"

// identifierTokenizer splits on camelCase/snake_case/kebab-case boundaries
// and digit runs in addition to whitespace/punctuation, so a query for
// "session id" matches a token written as "sessionId" or "session_id" in
// source text (a single-word query "sessionid" does not). Full tree-sitter-driven code tokenization
// (as used for syntax-aware splitting elsewhere in the pack) is out of
// scope here — this is a lighter rune-class scanner.
type identifierTokenizer struct{}

func newIdentifierTokenizer(_ map[string]any, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &identifierTokenizer{}, nil
}

func init() {
	registry.RegisterTokenizer(identifierTokenizerName, newIdentifierTokenizer)
}

func (t *identifierTokenizer) Tokenize(input []byte) analysis.TokenStream {
	runes := []rune(string(input))
	var stream analysis.TokenStream
	var start int
	pos := 1

	flush := func(end int) {
		if end <= start {
			return
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(string(runes[start:end])),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
	}

	isWordRune := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}

	start = 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isWordRune(r) {
			flush(i)
			start = i + 1
			continue
		}
		if i == start {
			continue
		}
		prev := runes[i-1]
		boundary := false
		switch {
		case unicode.IsDigit(prev) != unicode.IsDigit(r):
			boundary = true
		case unicode.IsLower(prev) && unicode.IsUpper(r):
			boundary = true
		case unicode.IsUpper(prev) && unicode.IsUpper(r) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
			boundary = true
		}
		if boundary {
			flush(i)
			start = i
		}
	}
	flush(len(runes))
	return stream
}

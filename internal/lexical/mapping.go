package lexical

import (
	"github.com/blevesearch/bleve/v2/mapping"
)

// Document is the lexical index's denormalized unit: one row per message,
// mirroring internal/catalog's message table closely enough to answer a
// search without a catalog round trip for the common case (spec.md §4.4).
type Document struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	AgentSlug      string `json:"agent_slug"`
	WorkspaceID    int64  `json:"workspace_id"`
	SourceID       int64  `json:"source_id"`
	Role           string `json:"role"`
	CreatedAtMS    int64  `json:"created_at_ms"`
	Content        string `json:"content"`
	Code           string `json:"code"`
}

const (
	contentAnalyzer = "en"
	codeAnalyzer    = "cass_code"
)

// buildIndexMapping defines the two free-text fields (content, code) with
// distinct analyzers, plus keyword/numeric fields used for filtering, not
// scoring.
func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := mapping.NewIndexMapping()

	if err := im.AddCustomAnalyzer(codeAnalyzer, map[string]any{
		"type":          "custom",
		"tokenizer":     identifierTokenizerName,
		"token_filters": []string{"to_lower", edgeNGramFilterName},
	}); err != nil {
		return nil, err
	}

	contentField := mapping.NewTextFieldMapping()
	contentField.Analyzer = contentAnalyzer
	contentField.Store = false
	contentField.IncludeTermVectors = true

	codeField := mapping.NewTextFieldMapping()
	codeField.Analyzer = codeAnalyzer
	codeField.Store = false
	codeField.IncludeTermVectors = true

	keyword := mapping.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	keyword.IncludeInAll = false

	numeric := mapping.NewNumericFieldMapping()
	numeric.IncludeInAll = false

	doc := mapping.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", contentField)
	doc.AddFieldMappingsAt("code", codeField)
	doc.AddFieldMappingsAt("agent_slug", keyword)
	doc.AddFieldMappingsAt("role", keyword)
	doc.AddFieldMappingsAt("workspace_id", numeric)
	doc.AddFieldMappingsAt("source_id", numeric)
	doc.AddFieldMappingsAt("message_id", numeric)
	doc.AddFieldMappingsAt("conversation_id", numeric)
	doc.AddFieldMappingsAt("created_at_ms", numeric)

	im.DefaultMapping = doc
	return im, nil
}

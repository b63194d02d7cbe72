// Package catalog implements the transactional relational store (C2):
// the single source of truth for conversation content and metadata
// (spec.md §3, §4.3). The lexical and vector indices and the analytics
// store are derived projections of this store and never the reverse.
package catalog

import "github.com/fyrsmithlabs/cass/pkg/connectorsdk"

// Source is a physical origin of transcripts (spec.md §3).
type Source struct {
	ID          int64
	Kind        string // "local" | "remote"
	DisplayName string
	OriginHost  string
}

// Agent is a recognized coding-agent tool, a fixed set reconciled at
// startup from internal/connector's registry.
type Agent struct {
	ID   int64
	Slug string
	Name string
}

// Workspace is a project root as observed in conversations.
type Workspace struct {
	ID            int64
	CanonicalPath string
	DisplayName   string
}

// Conversation is a session produced by one agent for one workspace on
// one source.
type Conversation struct {
	ID               int64
	SourceID         int64
	AgentID          int64
	WorkspaceID      *int64
	AgentSlug        string
	NaturalKey       string
	StartedAtMS      int64
	UpdatedAtMS      int64
	Title            string
	InputTokens      int64
	OutputTokens     int64
	EstimatedCostUSD float64
	RawMetaMsgpack   []byte
}

// Message is an entry within a conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Idx            int
	Role           connectorsdk.Role
	CreatedAtMS    int64
	Content        string
	ContentHash    string
	CodeContent    string
	SupersededBy   *int64
	ExtraMsgpack   []byte
}

// TokenUsage is one row per message with provider-usage data or estimate.
type TokenUsage struct {
	MessageID           int64
	ConversationID       int64
	AgentID              int64
	WorkspaceID          *int64
	SourceID             int64
	DayID                int64
	CreatedAtMS          int64
	ModelName            string
	ModelFamily          string
	ModelTier            string
	Provider             string
	InputTokens          int64
	OutputTokens         int64
	CacheReadTokens      int64
	CacheCreationTokens  int64
	ThinkingTokens       int64
	Role                 string
	ToolCallCount        int64
	DataSource           string // "api" | "estimated"
	CostUSD              *float64
}

// AppendOptions controls AppendMessages conflict handling.
type AppendOptions struct {
	// ReplaceOnConflict: see DESIGN.md Open Question decision 2 — a
	// conflicting (conversation_id, idx) with a different content_hash is
	// rejected unless this is set, in which case a new message row is
	// inserted at a fresh, strictly-monotonic idx and the old row is
	// tagged superseded_by, never overwritten in place.
	ReplaceOnConflict bool
}

// Package connectorsdk defines the normalized shapes every connector
// produces, so the ingest orchestrator never depends on any one agent's
// on-disk convention. This is the public contract for third-party
// connectors, analogous to contextd's ConversationParser/ConversationDocument
// split in internal/conversation, generalized to an agent-agnostic adapter
// boundary.
package connectorsdk

import "time"

// Role is the normalized speaker of a message, shared across every agent's
// transcript convention.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleOther     Role = "other"
)

// NormalizedMessage is one entry in a session's message stream, exactly as
// the source agent recorded it: no canonicalization, hashing, or catalog
// interaction happens at this layer (spec.md §4.1).
type NormalizedMessage struct {
	// Role is the normalized speaker.
	Role Role
	// Content is the raw, as-recorded message text. Tool-use blocks are
	// flattened inline to "[Tool: <name>]" markers; the canonicalizer (C4)
	// does all further processing.
	Content string
	// CreatedAtMS is the message timestamp in Unix milliseconds.
	CreatedAtMS int64
	// Extra preserves provider-native fields the connector doesn't
	// normalize further: usage blocks, model name, raw tool call params,
	// etc. Stored as the catalog's per-message MessagePack blob.
	Extra map[string]any
}

// NormalizedConversation is a lazily-materialized session: Messages is
// populated by the connector's scan, one session file at a time, so a
// single malformed session never loads the whole corpus into memory.
type NormalizedConversation struct {
	// NaturalKey is the connector's own stable identifier for this
	// session (e.g. a UUID embedded in the transcript, or the session
	// file's basename), used together with AgentSlug and the Source id
	// to resolve (source_id, agent_slug, natural_key) uniqueness.
	NaturalKey string
	// WorkspaceHint is the best-effort project root the connector could
	// infer for this session (spec.md Workspace entity); may be empty.
	WorkspaceHint string
	// Title is an optional human-readable session title/summary, if the
	// agent's convention records one.
	Title string
	// StartedAtMS and UpdatedAtMS bound the session in Unix milliseconds.
	StartedAtMS int64
	UpdatedAtMS int64
	// Messages streams the session's entries in file order. Connectors
	// return a closure so a caller can bound how much of a very large
	// session it materializes at once.
	Messages func(yield func(NormalizedMessage) bool)
	// Diagnostics points at the connector's own accumulator for non-fatal
	// parse issues (malformed lines, unrecognized fields). Because
	// Messages streams lazily, diagnostics are only final once the caller
	// has fully drained Messages; the orchestrator reads *Diagnostics
	// after the stream closes, never fails the session over them, and
	// neither logs nor counts them.
	Diagnostics *[]Diagnostic
}

// Diagnostic is one non-fatal issue surfaced during discovery or scanning.
type Diagnostic struct {
	Path    string
	Line    int
	Message string
}

// SessionRef is a cheap, pre-scan handle to a discoverable session: just
// enough to decide whether to scan it (mtime-based incremental skip)
// without opening the file.
type SessionRef struct {
	Path    string
	ModTime time.Time
}

// Adapter is the capability set every connector exposes (spec.md §4.1,
// §6.1). Discover is lazy and restartable: callers may call it repeatedly
// as new sessions appear on disk, and it must be cheap to call again after
// a prior partial consumption.
type Adapter interface {
	// AgentSlug is this connector's fixed Agent.slug, e.g. "claude_code".
	AgentSlug() string
	// AgentName is the human-readable agent name.
	AgentName() string
	// Detect reports whether this agent's convention is present under
	// root, without doing any expensive work.
	Detect(root string) bool
	// Discover enumerates candidate session paths under root.
	Discover(root string) ([]SessionRef, error)
	// Scan opens one session and returns its normalized view. The
	// returned conversation's Messages callback does the actual file
	// reading; Scan itself should not eagerly parse the whole file.
	Scan(path string) (NormalizedConversation, error)
	// OriginHints returns the workspace candidate and natural key for a
	// session path, used before a full Scan when only identity is needed.
	OriginHints(path string) (workspaceCandidate, naturalKey string)
}

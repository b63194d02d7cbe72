// Package claudecode adapts Claude Code's ~/.claude/projects JSONL
// transcripts to connectorsdk.NormalizedConversation, following the
// directory-discovery and incremental-JSONL-parsing idiom of the retrieved
// sidecar Claude Code adapter.
package claudecode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cass/internal/connector"
	"github.com/fyrsmithlabs/cass/internal/connector/jsonlutil"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

const (
	agentSlug = "claude_code"
	agentName = "Claude Code"
)

func init() {
	connector.Register(New())
}

// Adapter implements connectorsdk.Adapter for Claude Code.
type Adapter struct {
	// projectsDir is overridable in tests; New() resolves it from $HOME.
	projectsDir string
}

// New resolves the Claude Code projects directory, preferring the XDG path
// introduced in v1.0.30+ and falling back to the legacy ~/.claude/projects.
func New() *Adapter {
	home, _ := os.UserHomeDir()
	return &Adapter{projectsDir: findProjectsDir(home)}
}

func findProjectsDir(home string) string {
	candidates := []string{
		filepath.Join(home, ".config", "claude", "projects"),
		filepath.Join(home, ".claude", "projects"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return filepath.Join(home, ".claude", "projects")
}

func (a *Adapter) AgentSlug() string { return agentSlug }
func (a *Adapter) AgentName() string { return agentName }

// Detect reports whether any *.jsonl files exist under the projects dir;
// root is accepted for interface symmetry with adapters scoped per-project
// but Claude Code's own layout is global (one dir holding every project's
// sessions, sharded by encoded path), so root is otherwise unused here.
func (a *Adapter) Detect(root string) bool {
	entries, err := os.ReadDir(a.projectsDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			if hasJSONL(filepath.Join(a.projectsDir, e.Name())) {
				return true
			}
		}
	}
	return false
}

func hasJSONL(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			return true
		}
	}
	return false
}

// Discover enumerates every *.jsonl session file across every encoded
// project subdirectory.
func (a *Adapter) Discover(root string) ([]connectorsdk.SessionRef, error) {
	var refs []connectorsdk.SessionRef
	projectDirs, err := os.ReadDir(a.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		dir := filepath.Join(a.projectsDir, pd.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			refs = append(refs, connectorsdk.SessionRef{
				Path: filepath.Join(dir, e.Name()), ModTime: info.ModTime(),
			})
		}
	}
	return refs, nil
}

// rawEntry is one JSONL record in a Claude Code transcript. Field names
// mirror the tool's on-disk convention: a discriminating "type", nested
// "message" carrying role/content/usage/model, plus session linkage.
type rawEntry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Timestamp time.Time       `json:"timestamp"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
	Usage   *rawUsage       `json:"usage,omitempty"`
}

type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type rawContentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Name    string `json:"name,omitempty"`
	ID      string `json:"id,omitempty"`
	Input   any    `json:"input,omitempty"`
}

// Scan opens a single session JSONL file. Messages streams entries of type
// "user" or "assistant" in file order; tool_use blocks flatten to
// "[Tool: <name>]" markers per spec.md §4.1, and the entry's uuid, model
// and usage ride along in Extra for the catalog's per-message blob and for
// analytics (C10); the raw content blocks are not kept there.
// Scan opens a single session JSONL file. A cheap metadata pre-pass
// establishes NaturalKey/WorkspaceHint/Title/timestamps eagerly (the
// orchestrator needs these for upsert_conversation before any message is
// inserted); Messages then re-scans lazily to stream message content,
// so a session with a huge transcript is never held in memory at once.
func (a *Adapter) Scan(path string) (connectorsdk.NormalizedConversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return connectorsdk.NormalizedConversation{}, err
	}

	var metaDiags []connectorsdk.Diagnostic
	var firstTS, lastTS time.Time
	var workspaceHint, title string

	_, _ = jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		var entry rawEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			metaDiags = append(metaDiags, connectorsdk.Diagnostic{Path: path, Line: lineNo, Message: err.Error()})
			return true
		}
		if workspaceHint == "" {
			workspaceHint = entry.Cwd
		}
		if !entry.Timestamp.IsZero() {
			if firstTS.IsZero() || entry.Timestamp.Before(firstTS) {
				firstTS = entry.Timestamp
			}
			if entry.Timestamp.After(lastTS) {
				lastTS = entry.Timestamp
			}
		}
		if title == "" && entry.Message != nil && normalizeRole(entry.Message.Role) == connectorsdk.RoleUser {
			if content := flattenContent(entry.Message.Content); content != "" {
				title = truncateTitle(content, 120)
			}
		}
		return true
	})

	var allDiags []connectorsdk.Diagnostic
	allDiags = append(allDiags, metaDiags...)

	nc := connectorsdk.NormalizedConversation{
		NaturalKey:    strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		WorkspaceHint: workspaceHint,
		Title:         title,
		StartedAtMS:   firstTS.UnixMilli(),
		UpdatedAtMS:   lastTS.UnixMilli(),
		Diagnostics:   &allDiags,
	}
	if lastTS.IsZero() {
		nc.UpdatedAtMS = info.ModTime().UnixMilli()
	}

	nc.Messages = func(yield func(connectorsdk.NormalizedMessage) bool) {
		scanDiags, _ := jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
			var entry rawEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return true
			}
			if entry.Message == nil {
				return true
			}
			role := normalizeRole(entry.Message.Role)
			if role != connectorsdk.RoleUser && role != connectorsdk.RoleAssistant {
				return true
			}

			content := flattenContent(entry.Message.Content)
			extra := map[string]any{"uuid": entry.UUID}
			if entry.Message.Model != "" {
				extra["model"] = entry.Message.Model
			}
			if entry.Message.Usage != nil {
				extra["usage"] = entry.Message.Usage
			}

			msg := connectorsdk.NormalizedMessage{
				Role:        role,
				Content:     content,
				CreatedAtMS: entry.Timestamp.UnixMilli(),
				Extra:       extra,
			}
			return yield(msg)
		})
		allDiags = append(allDiags, scanDiags...)
	}

	return nc, nil
}

func (a *Adapter) OriginHints(path string) (workspaceCandidate, naturalKey string) {
	return "", strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func normalizeRole(r string) connectorsdk.Role {
	switch r {
	case "user":
		return connectorsdk.RoleUser
	case "assistant":
		return connectorsdk.RoleAssistant
	case "tool":
		return connectorsdk.RoleTool
	case "system":
		return connectorsdk.RoleSystem
	default:
		return connectorsdk.RoleOther
	}
}

// flattenContent normalizes a Claude Code "content" field, which is either
// a bare string or an array of typed content blocks, into plain text with
// tool_use blocks flattened to "[Tool: <name>]" markers.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
			sb.WriteByte('\n')
		case "thinking":
			sb.WriteString(b.Thinking)
			sb.WriteByte('\n')
		case "tool_use":
			sb.WriteString("[Tool: ")
			sb.WriteString(b.Name)
			sb.WriteString("]\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

func truncateTitle(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Package codex adapts OpenAI Codex CLI's ~/.codex/sessions JSONL
// transcripts, reusing the shared jsonlutil scanner and following the same
// eager-metadata/lazy-content Scan shape as the claudecode adapter.
package codex

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
	agentSlug = "codex"
	agentName = "Codex"
)

func init() {
	connector.Register(New())
}

// Adapter implements connectorsdk.Adapter for Codex CLI.
type Adapter struct {
	sessionsDir string
}

func New() *Adapter {
	home, _ := os.UserHomeDir()
	return &Adapter{sessionsDir: filepath.Join(home, ".codex", "sessions")}
}

func (a *Adapter) AgentSlug() string { return agentSlug }
func (a *Adapter) AgentName() string { return agentName }

func (a *Adapter) Detect(root string) bool {
	found := false
	filepath.WalkDir(a.sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// Discover walks the sessions directory recursively, since Codex shards
// sessions by date subdirectory (YYYY/MM/DD) rather than keeping them in
// one flat directory.
func (a *Adapter) Discover(root string) ([]connectorsdk.SessionRef, error) {
	var refs []connectorsdk.SessionRef
	err := filepath.WalkDir(a.sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries, never abort discovery
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		refs = append(refs, connectorsdk.SessionRef{Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return refs, nil
}

// rawEntry is one record in a Codex session transcript: a discriminated
// union over "session_meta", "response_item" (role/content), and
// "event_msg" (token_count, among others).
type rawEntry struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type responseItemPayload struct {
	Type    string          `json:"type"` // "message"
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type sessionMetaPayload struct {
	ID  string `json:"id"`
	Cwd string `json:"cwd"`
}

type eventMsgPayload struct {
	Type       string `json:"type"` // "token_count", etc.
	TokenCount *int64 `json:"token_count,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (a *Adapter) Scan(path string) (connectorsdk.NormalizedConversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return connectorsdk.NormalizedConversation{}, err
	}

	var metaDiags []connectorsdk.Diagnostic
	var naturalKey, workspaceHint, title string
	var firstTS, lastTS time.Time

	_, _ = jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		var entry rawEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			metaDiags = append(metaDiags, connectorsdk.Diagnostic{Path: path, Line: lineNo, Message: err.Error()})
			return true
		}
		if !entry.Timestamp.IsZero() {
			if firstTS.IsZero() || entry.Timestamp.Before(firstTS) {
				firstTS = entry.Timestamp
			}
			if entry.Timestamp.After(lastTS) {
				lastTS = entry.Timestamp
			}
		}
		switch entry.Type {
		case "session_meta":
			var meta sessionMetaPayload
			if json.Unmarshal(entry.Payload, &meta) == nil {
				naturalKey = meta.ID
				workspaceHint = meta.Cwd
			}
		case "response_item":
			var item responseItemPayload
			if json.Unmarshal(entry.Payload, &item) == nil && item.Role == "user" && title == "" {
				if text := flattenContent(item.Content); text != "" {
					title = truncateTitle(text, 120)
				}
			}
		}
		return true
	})

	if naturalKey == "" {
		naturalKey = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	var allDiags []connectorsdk.Diagnostic
	allDiags = append(allDiags, metaDiags...)

	nc := connectorsdk.NormalizedConversation{
		NaturalKey:    naturalKey,
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
		var pendingTokenCount *int64
		scanDiags, _ := jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
			var entry rawEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return true
			}
			switch entry.Type {
			case "event_msg":
				var ev eventMsgPayload
				if json.Unmarshal(entry.Payload, &ev) == nil && ev.Type == "token_count" && ev.TokenCount != nil {
					pendingTokenCount = ev.TokenCount
				}
				return true
			case "response_item":
				var item responseItemPayload
				if json.Unmarshal(entry.Payload, &item) != nil || item.Type != "message" {
					return true
				}
				role := normalizeRole(item.Role)
				if role != connectorsdk.RoleUser && role != connectorsdk.RoleAssistant {
					return true
				}
				extra := map[string]any{}
				// spec.md §9 Open Question 1: Codex's token_count field's
				// output-only-vs-total semantics are unconfirmed, so it is
				// recorded verbatim with an explicit unknown marker rather
				// than folded into input/output token counts.
				if pendingTokenCount != nil {
					extra["token_count"] = *pendingTokenCount
					extra["token_count_kind"] = "unknown"
					pendingTokenCount = nil
				}
				msg := connectorsdk.NormalizedMessage{
					Role:        role,
					Content:     flattenContent(item.Content),
					CreatedAtMS: entry.Timestamp.UnixMilli(),
					Extra:       extra,
				}
				return yield(msg)
			}
			return true
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
	case "system":
		return connectorsdk.RoleSystem
	default:
		return connectorsdk.RoleOther
	}
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
			sb.WriteByte('\n')
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

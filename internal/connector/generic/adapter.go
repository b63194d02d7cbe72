// Package generic is a best-effort adapter for coding-agent tools that
// don't yet warrant a dedicated connector: any directory of JSONL files
// whose lines carry recognizable "role"/"content" (or close synonyms)
// fields. It is intentionally permissive and heuristic, and is never
// auto-registered against a fixed well-known directory the way the named
// adapters are — callers construct one explicitly for a given root and
// slug (spec.md §6.1's "pluggable" connector contract).
package generic

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cass/internal/connector/jsonlutil"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// Adapter scans an arbitrary directory of JSONL session files under a
// caller-assigned agent slug, for tools with no bespoke adapter yet.
type Adapter struct {
	slug string
	name string
	dir  string
}

// New constructs a generic adapter for the given agent slug/name, scanning
// dir non-recursively for *.jsonl session files.
func New(slug, name, dir string) *Adapter {
	return &Adapter{slug: slug, name: name, dir: dir}
}

func (a *Adapter) AgentSlug() string { return a.slug }
func (a *Adapter) AgentName() string { return a.name }

func (a *Adapter) Detect(root string) bool {
	entries, err := os.ReadDir(a.dir)
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

func (a *Adapter) Discover(root string) ([]connectorsdk.SessionRef, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []connectorsdk.SessionRef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		refs = append(refs, connectorsdk.SessionRef{Path: filepath.Join(a.dir, e.Name()), ModTime: info.ModTime()})
	}
	return refs, nil
}

// rawEntry accepts the handful of role/content/timestamp field name
// synonyms seen across minor agent tools, rather than committing to one
// tool's exact schema.
type rawEntry struct {
	Role      string      `json:"role"`
	Type      string      `json:"type"`
	Content   interface{} `json:"content"`
	Text      string      `json:"text"`
	Message   string      `json:"message"`
	Timestamp interface{} `json:"timestamp"`
	CreatedAt interface{} `json:"created_at"`
}

func (a *Adapter) Scan(path string) (connectorsdk.NormalizedConversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return connectorsdk.NormalizedConversation{}, err
	}

	var diags []connectorsdk.Diagnostic
	var firstTS, lastTS int64
	var title string

	scan := func(onEntry func(lineNo int, e rawEntry)) {
		d, _ := jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
			var e rawEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				diags = append(diags, connectorsdk.Diagnostic{Path: path, Line: lineNo, Message: err.Error()})
				return true
			}
			onEntry(lineNo, e)
			return true
		})
		diags = append(diags, d...)
	}

	scan(func(_ int, e rawEntry) {
		ts := entryTimestampMS(e)
		if ts != 0 {
			if firstTS == 0 || ts < firstTS {
				firstTS = ts
			}
			if ts > lastTS {
				lastTS = ts
			}
		}
		if title == "" && normalizeRole(e.Role, e.Type) == connectorsdk.RoleUser {
			if text := entryText(e); text != "" {
				title = truncateTitle(text, 120)
			}
		}
	})

	nc := connectorsdk.NormalizedConversation{
		NaturalKey:  strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Title:       title,
		StartedAtMS: firstTS,
		UpdatedAtMS: lastTS,
		Diagnostics: &diags,
	}
	if nc.UpdatedAtMS == 0 {
		nc.UpdatedAtMS = info.ModTime().UnixMilli()
	}
	nc.Messages = func(yield func(connectorsdk.NormalizedMessage) bool) {
		stop := false
		scan(func(_ int, e rawEntry) {
			if stop {
				return
			}
			role := normalizeRole(e.Role, e.Type)
			if role != connectorsdk.RoleUser && role != connectorsdk.RoleAssistant && role != connectorsdk.RoleTool {
				return
			}
			msg := connectorsdk.NormalizedMessage{
				Role:        role,
				Content:     entryText(e),
				CreatedAtMS: entryTimestampMS(e),
			}
			if !yield(msg) {
				stop = true
			}
		})
	}
	return nc, nil
}

func (a *Adapter) OriginHints(path string) (workspaceCandidate, naturalKey string) {
	return "", strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func normalizeRole(role, typ string) connectorsdk.Role {
	candidate := role
	if candidate == "" {
		candidate = typ
	}
	switch strings.ToLower(candidate) {
	case "user", "human":
		return connectorsdk.RoleUser
	case "assistant", "ai", "model", "bot":
		return connectorsdk.RoleAssistant
	case "tool", "function":
		return connectorsdk.RoleTool
	case "system":
		return connectorsdk.RoleSystem
	default:
		return connectorsdk.RoleOther
	}
}

func entryText(e rawEntry) string {
	if e.Text != "" {
		return e.Text
	}
	if e.Message != "" {
		return e.Message
	}
	switch v := e.Content.(type) {
	case string:
		return v
	case []interface{}:
		var sb strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					sb.WriteString(t)
					sb.WriteByte('\n')
				}
			}
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

// entryTimestampMS accepts either a numeric epoch (seconds or
// milliseconds, disambiguated by magnitude) or an RFC3339 string.
func entryTimestampMS(e rawEntry) int64 {
	raw := e.Timestamp
	if raw == nil {
		raw = e.CreatedAt
	}
	switch v := raw.(type) {
	case float64:
		if v > 1e12 {
			return int64(v)
		}
		return int64(v * 1000)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli()
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if n > 1e12 {
				return n
			}
			return n * 1000
		}
	}
	return 0
}

func truncateTitle(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

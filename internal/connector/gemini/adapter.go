// Package gemini adapts Gemini CLI's ~/.gemini/sessions JSONL transcripts.
package gemini

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
	agentSlug = "gemini"
	agentName = "Gemini CLI"
)

func init() {
	connector.Register(New())
}

type Adapter struct {
	sessionsDir string
}

func New() *Adapter {
	home, _ := os.UserHomeDir()
	return &Adapter{sessionsDir: filepath.Join(home, ".gemini", "sessions")}
}

func (a *Adapter) AgentSlug() string { return agentSlug }
func (a *Adapter) AgentName() string { return agentName }

func (a *Adapter) Detect(root string) bool {
	entries, err := os.ReadDir(a.sessionsDir)
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
	entries, err := os.ReadDir(a.sessionsDir)
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
		refs = append(refs, connectorsdk.SessionRef{Path: filepath.Join(a.sessionsDir, e.Name()), ModTime: info.ModTime()})
	}
	return refs, nil
}

type rawEntry struct {
	Role      string    `json:"role"`
	Parts     []rawPart `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
	Cwd       string    `json:"cwd,omitempty"`
}

type rawPart struct {
	Text             string `json:"text,omitempty"`
	FunctionCallName string `json:"functionCall,omitempty"`
}

func (a *Adapter) Scan(path string) (connectorsdk.NormalizedConversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return connectorsdk.NormalizedConversation{}, err
	}

	var diags []connectorsdk.Diagnostic
	var workspaceHint, title string
	var firstTS, lastTS time.Time

	_, _ = jsonlutil.ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		var entry rawEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			diags = append(diags, connectorsdk.Diagnostic{Path: path, Line: lineNo, Message: err.Error()})
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
		if title == "" && entry.Role == "user" {
			if text := flattenParts(entry.Parts); text != "" {
				title = truncateTitle(text, 120)
			}
		}
		return true
	})

	nc := connectorsdk.NormalizedConversation{
		NaturalKey:    strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		WorkspaceHint: workspaceHint,
		Title:         title,
		StartedAtMS:   firstTS.UnixMilli(),
		UpdatedAtMS:   lastTS.UnixMilli(),
		Diagnostics:   &diags,
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
			role := normalizeRole(entry.Role)
			if role != connectorsdk.RoleUser && role != connectorsdk.RoleAssistant {
				return true
			}
			msg := connectorsdk.NormalizedMessage{
				Role:        role,
				Content:     flattenParts(entry.Parts),
				CreatedAtMS: entry.Timestamp.UnixMilli(),
			}
			return yield(msg)
		})
		diags = append(diags, scanDiags...)
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
	case "model", "assistant":
		return connectorsdk.RoleAssistant
	default:
		return connectorsdk.RoleOther
	}
}

func flattenParts(parts []rawPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
			sb.WriteByte('\n')
		}
		if p.FunctionCallName != "" {
			sb.WriteString("[Tool: ")
			sb.WriteString(p.FunctionCallName)
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

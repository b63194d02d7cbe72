// Package cursor adapts Cursor's per-session JSON chat export files
// (~/.cursor/chats/<id>.json), a single JSON document per session rather
// than JSONL — so this adapter reads the whole small file at once instead
// of the line-oriented scanner the JSONL-based agents share.
package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cass/internal/connector"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

const (
	agentSlug = "cursor"
	agentName = "Cursor"
)

func init() {
	connector.Register(New())
}

type Adapter struct {
	chatsDir string
}

func New() *Adapter {
	home, _ := os.UserHomeDir()
	return &Adapter{chatsDir: filepath.Join(home, ".cursor", "chats")}
}

func (a *Adapter) AgentSlug() string { return agentSlug }
func (a *Adapter) AgentName() string { return agentName }

func (a *Adapter) Detect(root string) bool {
	entries, err := os.ReadDir(a.chatsDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			return true
		}
	}
	return false
}

func (a *Adapter) Discover(root string) ([]connectorsdk.SessionRef, error) {
	entries, err := os.ReadDir(a.chatsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []connectorsdk.SessionRef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		refs = append(refs, connectorsdk.SessionRef{Path: filepath.Join(a.chatsDir, e.Name()), ModTime: info.ModTime()})
	}
	return refs, nil
}

type sessionFile struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspaceId"`
	Title       string        `json:"title"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Messages    []rawMessage  `json:"messages"`
}

type rawMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *Adapter) Scan(path string) (connectorsdk.NormalizedConversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return connectorsdk.NormalizedConversation{}, err
	}

	buf, err := os.ReadFile(path)
	var diags []connectorsdk.Diagnostic
	var sf sessionFile
	if err != nil {
		diags = append(diags, connectorsdk.Diagnostic{Path: path, Message: "read failed: " + err.Error()})
	} else if err := json.Unmarshal(buf, &sf); err != nil {
		diags = append(diags, connectorsdk.Diagnostic{Path: path, Message: "malformed JSON: " + err.Error()})
	}

	naturalKey := sf.ID
	if naturalKey == "" {
		naturalKey = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	nc := connectorsdk.NormalizedConversation{
		NaturalKey:    naturalKey,
		WorkspaceHint: sf.WorkspaceID,
		Title:         sf.Title,
		StartedAtMS:   sf.CreatedAt.UnixMilli(),
		UpdatedAtMS:   sf.UpdatedAt.UnixMilli(),
		Diagnostics:   &diags,
	}
	if nc.UpdatedAtMS == 0 {
		nc.UpdatedAtMS = info.ModTime().UnixMilli()
	}
	nc.Messages = func(yield func(connectorsdk.NormalizedMessage) bool) {
		for _, m := range sf.Messages {
			role := normalizeRole(m.Role)
			if role != connectorsdk.RoleUser && role != connectorsdk.RoleAssistant {
				continue
			}
			msg := connectorsdk.NormalizedMessage{
				Role:        role,
				Content:     m.Text,
				CreatedAtMS: m.CreatedAt.UnixMilli(),
			}
			if !yield(msg) {
				return
			}
		}
	}
	return nc, nil
}

func (a *Adapter) OriginHints(path string) (workspaceCandidate, naturalKey string) {
	return "", strings.TrimSuffix(filepath.Base(path), ".json")
}

func normalizeRole(r string) connectorsdk.Role {
	switch r {
	case "user":
		return connectorsdk.RoleUser
	case "assistant", "ai":
		return connectorsdk.RoleAssistant
	default:
		return connectorsdk.RoleOther
	}
}

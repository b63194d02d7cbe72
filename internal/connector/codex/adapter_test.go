package codex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

func writeSession(t *testing.T, path string, lines []string) {
	t.Helper()
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestDiscoverWalksDateShardedDirectories(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "2024", "01", "15", "rollout.jsonl")
	writeSession(t, path, []string{`{"type":"session_meta","payload":{"id":"abc","cwd":"/tmp"}}`})

	a := &Adapter{sessionsDir: root}
	if !a.Detect("") {
		t.Fatalf("Detect() = false, want true")
	}
	refs, err := a.Discover("")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(refs) != 1 || refs[0].Path != path {
		t.Fatalf("refs = %+v, want single ref at %s", refs, path)
	}
}

func TestScanAttachesTokenCountToNextMessageAsUnknownKind(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "rollout.jsonl")
	writeSession(t, path, []string{
		`{"type":"session_meta","timestamp":"2024-01-01T00:00:00Z","payload":{"id":"sess-abc","cwd":"/home/user/proj"}}`,
		`{"type":"response_item","timestamp":"2024-01-01T00:00:01Z","payload":{"type":"message","role":"user","content":"fix the bug"}}`,
		`{"type":"event_msg","timestamp":"2024-01-01T00:00:02Z","payload":{"type":"token_count","token_count":321}}`,
		`{"type":"response_item","timestamp":"2024-01-01T00:00:03Z","payload":{"type":"message","role":"assistant","content":"done"}}`,
	})

	a := &Adapter{sessionsDir: root}
	nc, err := a.Scan(path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if nc.NaturalKey != "sess-abc" {
		t.Fatalf("NaturalKey = %q, want sess-abc", nc.NaturalKey)
	}
	if nc.WorkspaceHint != "/home/user/proj" {
		t.Fatalf("WorkspaceHint = %q, want /home/user/proj", nc.WorkspaceHint)
	}

	var msgs []connectorsdk.NormalizedMessage
	nc.Messages(func(m connectorsdk.NormalizedMessage) bool { msgs = append(msgs, m); return true })
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Extra["token_count"] != int64(321) {
		t.Fatalf("Extra[token_count] = %v, want 321", assistant.Extra["token_count"])
	}
	if assistant.Extra["token_count_kind"] != "unknown" {
		t.Fatalf("Extra[token_count_kind] = %v, want unknown", assistant.Extra["token_count_kind"])
	}
	if _, ok := msgs[0].Extra["token_count"]; ok {
		t.Fatalf("the token_count event should attach to the next message, not the user message")
	}
}

package gemini

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

func TestScanFlattensFunctionCallsAndCollectsWorkspaceHint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	content := `{"role":"user","parts":[{"text":"list files"}],"timestamp":"2024-01-01T00:00:00Z","cwd":"/home/user/proj"}
{"role":"model","parts":[{"text":"Sure"},{"functionCall":"list_directory"}],"timestamp":"2024-01-01T00:00:05Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a := &Adapter{sessionsDir: dir}
	if !a.Detect("") {
		t.Fatalf("Detect() = false, want true")
	}

	nc, err := a.Scan(path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if nc.WorkspaceHint != "/home/user/proj" {
		t.Fatalf("WorkspaceHint = %q, want /home/user/proj", nc.WorkspaceHint)
	}

	var msgs []connectorsdk.NormalizedMessage
	nc.Messages(func(m connectorsdk.NormalizedMessage) bool { msgs = append(msgs, m); return true })
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[1].Role != connectorsdk.RoleAssistant {
		t.Fatalf("msgs[1].Role = %v, want assistant ('model' normalizes to assistant)", msgs[1].Role)
	}
	want := "Sure\n[Tool: list_directory]"
	if msgs[1].Content != want {
		t.Fatalf("msgs[1].Content = %q, want %q", msgs[1].Content, want)
	}
}

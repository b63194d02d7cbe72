package modellifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func manifestServingContent(t *testing.T, content []byte, wrongHash bool) (*Manifest, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	hash := sha256Hex(content)
	if wrongHash {
		hash = sha256Hex([]byte("not the real content"))
	}
	m := &Manifest{Entries: map[string]ManifestEntry{
		"test-model": {
			ID:       "test-model",
			Repo:     "example/test-model",
			Revision: "v1",
			Files: []ManifestFile{
				{Name: "weights.bin", URL: srv.URL, SHA256: hash, SizeByte: int64(len(content))},
			},
		},
	}}
	return m, srv
}

// TestInstallSucceedsWithMatchingHash covers the happy path: NotInstalled
// -> Downloading -> Verifying -> Ready.
func TestInstallSucceedsWithMatchingHash(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("fake model weights"), false)
	mgr := NewManager(root, manifest, false, 3, time.Millisecond)

	if err := mgr.Install(context.Background(), "test-model", true); err != nil {
		t.Fatalf("Install: %v", err)
	}
	status := mgr.Status("test-model")
	if status.State != Ready {
		t.Fatalf("status.State = %v, want Ready", status.State)
	}
	if _, err := os.Stat(filepath.Join(root, "test-model", "weights.bin")); err != nil {
		t.Fatalf("expected installed weights file: %v", err)
	}
}

// TestInstallScenarioSeed3 mirrors spec.md §8 scenario 3: manifest declares
// one file with SHA-256 H; the server serves content whose SHA-256 is H' !=
// H. Expect VerificationFailed, no file under <root>/models/<id>/, and one
// file under <root>/models/<id>.downloading/ removable by --repair.
func TestInstallScenarioSeed3(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("served content"), true)
	mgr := NewManager(root, manifest, false, 1, time.Millisecond)

	err := mgr.Install(context.Background(), "test-model", true)
	if err == nil {
		t.Fatalf("expected verification error, got nil")
	}
	if !errs.Is(err, errs.SourceCorruption) {
		t.Fatalf("expected errs.SourceCorruption, got %v", err)
	}

	status := mgr.Status("test-model")
	if status.State != VerificationFailed {
		t.Fatalf("status.State = %v, want VerificationFailed", status.State)
	}

	if _, err := os.Stat(filepath.Join(root, "test-model")); err == nil {
		t.Fatalf("expected no installed dir under models/test-model")
	}
	if _, err := os.Stat(filepath.Join(root, "test-model.downloading", "weights.bin")); err != nil {
		t.Fatalf("expected corrupt file to remain under .downloading for --repair: %v", err)
	}
}

func TestRepairRemovesCorruptDownload(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("served content"), true)
	mgr := NewManager(root, manifest, false, 1, time.Millisecond)

	_ = mgr.Install(context.Background(), "test-model", true)
	if _, err := os.Stat(filepath.Join(root, "test-model.downloading")); err != nil {
		t.Fatalf("expected .downloading dir to exist before repair: %v", err)
	}

	if err := mgr.Repair("test-model"); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "test-model.downloading")); !os.IsNotExist(err) {
		t.Fatalf("expected .downloading dir removed after repair, stat err = %v", err)
	}
}

func TestInstallRefusedOffline(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("x"), false)
	mgr := NewManager(root, manifest, true, 3, time.Millisecond)

	err := mgr.Install(context.Background(), "test-model", true)
	if err == nil {
		t.Fatalf("expected refusal error in offline mode")
	}
	if !errs.Is(err, errs.PolicyRefusal) {
		t.Fatalf("expected errs.PolicyRefusal, got %v", err)
	}
	if mgr.Status("test-model").State != Disabled {
		t.Fatalf("status.State = %v, want Disabled", mgr.Status("test-model").State)
	}
}

func TestInstallRefusedWithoutConsent(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("x"), false)
	mgr := NewManager(root, manifest, false, 3, time.Millisecond)

	err := mgr.Install(context.Background(), "test-model", false)
	if err == nil {
		t.Fatalf("expected refusal error without consent")
	}
	if !errs.Is(err, errs.PolicyRefusal) {
		t.Fatalf("expected errs.PolicyRefusal, got %v", err)
	}
	if mgr.Status("test-model").State != NeedsConsent {
		t.Fatalf("status.State = %v, want NeedsConsent", mgr.Status("test-model").State)
	}
}

func TestInstallUnknownModelID(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("x"), false)
	mgr := NewManager(root, manifest, false, 3, time.Millisecond)

	if err := mgr.Install(context.Background(), "no-such-model", true); err == nil {
		t.Fatalf("expected error for unknown model id")
	}
}

func TestRemoveResetsStatusToNotInstalled(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("fake model weights"), false)
	mgr := NewManager(root, manifest, false, 3, time.Millisecond)

	if err := mgr.Install(context.Background(), "test-model", true); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := mgr.Remove("test-model"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if mgr.Status("test-model").State != NotInstalled {
		t.Fatalf("status.State after Remove = %v, want NotInstalled", mgr.Status("test-model").State)
	}
}

func TestStatusProbesDiskWhenNoInMemoryRecord(t *testing.T) {
	root := t.TempDir()
	manifest, _ := manifestServingContent(t, []byte("x"), false)
	if err := os.MkdirAll(filepath.Join(root, "test-model"), 0o700); err != nil {
		t.Fatalf("seed install dir: %v", err)
	}
	mgr := NewManager(root, manifest, false, 3, time.Millisecond)
	if got := mgr.Status("test-model").State; got != Ready {
		t.Fatalf("Status().State = %v, want Ready (probed from disk)", got)
	}
}

func TestStatusPct(t *testing.T) {
	s := Status{DownloadedByte: 50, TotalByte: 200}
	if got := s.Pct(); got != 25 {
		t.Fatalf("Pct() = %v, want 25", got)
	}
	zero := Status{}
	if got := zero.Pct(); got != 0 {
		t.Fatalf("Pct() with TotalByte=0 = %v, want 0", got)
	}
}

package modellifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// Manager is the single owner of the model lifecycle state machine
// (spec.md §9: the one exception to "no ambient singletons"). All state
// transitions serialize through mu so concurrent Install/Verify/Remove
// callers cannot race.
type Manager struct {
	mu       sync.Mutex
	root     string // <data_root>/models
	manifest *Manifest
	offline  bool
	maxTries int
	backoffBase time.Duration
	client   *http.Client
	statuses map[string]*Status
}

// NewManager builds a manager rooted at modelRoot, serving installs from
// manifest. offline forbids any network operation regardless of state
// (spec.md §6.4 CASS_OFFLINE).
func NewManager(modelRoot string, manifest *Manifest, offline bool, maxTries int, backoffBase time.Duration) *Manager {
	return &Manager{
		root:        modelRoot,
		manifest:    manifest,
		offline:     offline,
		maxTries:    maxTries,
		backoffBase: backoffBase,
		client:      &http.Client{},
		statuses:    make(map[string]*Status),
	}
}

func (m *Manager) installDir(id string) string    { return filepath.Join(m.root, id) }
func (m *Manager) downloadingDir(id string) string { return filepath.Join(m.root, id+".downloading") }
func (m *Manager) bakDir(id string) string        { return filepath.Join(m.root, id+".bak") }
func (m *Manager) lockPath() string               { return filepath.Join(m.root, ".lock") }

// InstallDir exposes the on-disk install location for id, used by the
// embedder registry to load a Ready model's weights.
func (m *Manager) InstallDir(id string) string { return m.installDir(id) }

// Status returns the last-known lifecycle snapshot for id, probing disk
// if the manager has no in-memory record yet (e.g. after a restart).
func (m *Manager) Status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[id]; ok {
		return *s
	}
	if _, err := os.Stat(m.installDir(id)); err == nil {
		return Status{ID: id, State: Ready}
	}
	return Status{ID: id, State: NotInstalled}
}

func (m *Manager) setStatus(id string, s Status) {
	s.ID = id
	cp := s
	m.statuses[id] = &cp
}

// Install drives id through NotInstalled -> NeedsConsent -> Downloading ->
// Verifying -> Ready (or VerificationFailed), per spec.md §4.7. consent
// must be true: "either an operator command installs the model, or an
// interactive consumer confirms through the external UI contract... no
// other code path is allowed to enter Downloading."
func (m *Manager) Install(ctx context.Context, id string, consent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		m.setStatus(id, Status{State: Disabled, Reason: "offline (CASS_OFFLINE=1)"})
		return errs.New(errs.PolicyRefusal, "model install refused: offline mode")
	}
	if !consent {
		m.setStatus(id, Status{State: NeedsConsent})
		return errs.New(errs.PolicyRefusal, "model install refused: consent not given")
	}

	entry, ok := m.manifest.Lookup(id)
	if !ok {
		return errs.New(errs.Malformed, fmt.Sprintf("unknown model id %q", id))
	}

	release, err := m.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	m.setStatus(id, Status{State: Downloading})
	if err := os.MkdirAll(m.downloadingDir(id), 0o700); err != nil {
		return errs.Wrap(errs.Transient, "create model download dir", err)
	}

	var downloaded, total int64
	for _, f := range entry.Files {
		total += f.SizeByte
	}

	for _, f := range entry.Files {
		n, err := m.downloadFileWithRetry(ctx, id, f)
		downloaded += n
		m.setStatus(id, Status{State: Downloading, DownloadedByte: downloaded, TotalByte: total})
		if err != nil {
			m.cleanupDownloadDir(id)
			st := m.statuses[id]
			m.setStatus(id, Status{State: VerificationFailed, Reason: err.Error(), RetryCount: st.RetryCount})
			return err
		}
	}

	m.setStatus(id, Status{State: Verifying})
	if err := m.verify(id, entry); err != nil {
		m.setStatus(id, Status{State: VerificationFailed, Reason: err.Error()})
		// Leave the corrupt file in <root>/models/<id>.downloading/,
		// removable by `models verify --repair` (spec.md scenario 3) —
		// never left under the active <root>/models/<id>/ directory.
		return err
	}

	if err := m.atomicInstall(id); err != nil {
		m.setStatus(id, Status{State: VerificationFailed, Reason: err.Error()})
		return err
	}

	m.setStatus(id, Status{State: Ready})
	return nil
}

// downloadFileWithRetry retries up to m.maxTries times with the
// 5s/15s/45s backoff sequence (spec.md §4.7), resuming via HTTP Range
// from wherever a prior partial attempt left off.
func (m *Manager) downloadFileWithRetry(ctx context.Context, id string, f ManifestFile) (int64, error) {
	op := func() (int64, error) {
		n, err := m.downloadFile(ctx, id, f)
		if err != nil {
			return n, err
		}
		return n, nil
	}
	b := newDownloadBackOff(m.backoffBase)
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.maxTries)))
}

// downloadFile performs one resumable attempt: if a partial file already
// exists under the downloading dir, it issues a Range request starting at
// the partial file's current size (spec.md §5 "HTTP range-resumable per
// file").
func (m *Manager) downloadFile(ctx context.Context, id string, f ManifestFile) (int64, error) {
	destPath := filepath.Join(m.downloadingDir(id), f.Name)

	var startAt int64
	if fi, err := os.Stat(destPath); err == nil {
		startAt = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "build model download request", err)
	}
	if startAt > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startAt))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return startAt, errs.Wrap(errs.Transient, "model download request", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		startAt = 0
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return startAt, errs.Wrap(errs.Transient, fmt.Sprintf("model download: unexpected status %d", resp.StatusCode), nil)
	}

	out, err := os.OpenFile(destPath, flags, 0o600)
	if err != nil {
		return startAt, errs.Wrap(errs.Transient, "open model download destination", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return startAt + written, errs.Wrap(errs.Transient, "write model download body", err)
	}
	return startAt + written, nil
}

// verify checks every file's SHA-256 against the manifest's pinned digest
// (spec.md §4.7). Per-file mismatch produces a single combined error; no
// file passes verification silently.
func (m *Manager) verify(id string, entry ManifestEntry) error {
	for _, f := range entry.Files {
		path := filepath.Join(m.downloadingDir(id), f.Name)
		got, err := sha256File(path)
		if err != nil {
			return errs.Wrap(errs.Transient, fmt.Sprintf("hash model file %q", f.Name), err)
		}
		if got != f.SHA256 {
			return errs.New(errs.SourceCorruption, fmt.Sprintf(
				"model file %q sha256 mismatch: want %s got %s", f.Name, f.SHA256, got))
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// atomicInstall renames <root>/models/<id>.downloading/ to
// <root>/models/<id>/, keeping one .bak of the prior install (spec.md
// §4.7 "On success, atomically rename... keeping one .bak").
func (m *Manager) atomicInstall(id string) error {
	install := m.installDir(id)
	if _, err := os.Stat(install); err == nil {
		os.RemoveAll(m.bakDir(id))
		if err := os.Rename(install, m.bakDir(id)); err != nil {
			return errs.Wrap(errs.Transient, "backup prior model install", err)
		}
	}
	if err := os.Rename(m.downloadingDir(id), install); err != nil {
		return errs.Wrap(errs.Transient, "install model", err)
	}
	return nil
}

// cleanupDownloadDir removes the partial download on irrecoverable
// failure (spec.md §5: "cancellation MUST leave the download dir in a
// cleanable state — no partial file in the active model dir", which this
// satisfies by construction since nothing here ever touches installDir
// until atomicInstall; Repair re-triggers this same cleanup explicitly).
func (m *Manager) cleanupDownloadDir(id string) {
	os.RemoveAll(m.downloadingDir(id))
}

// Repair implements `models verify --repair` (spec.md §6.4, scenario 3):
// re-verifies an existing .downloading dir, removing it if corrupt. A dir
// that verifies is installed, and any prior install is moved aside.
func (m *Manager) Repair(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.manifest.Lookup(id)
	if !ok {
		return errs.New(errs.Malformed, fmt.Sprintf("unknown model id %q", id))
	}
	if _, err := os.Stat(m.downloadingDir(id)); os.IsNotExist(err) {
		return nil
	}
	if err := m.verify(id, entry); err != nil {
		m.cleanupDownloadDir(id)
		return nil
	}
	return m.atomicInstall(id)
}

// Remove deletes a Ready install, reverting the embedder registry to the
// hash fallback (the caller's responsibility, not this manager's).
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.RemoveAll(m.installDir(id)); err != nil {
		return errs.Wrap(errs.Transient, "remove model install", err)
	}
	m.setStatus(id, Status{State: NotInstalled})
	return nil
}

// acquireLock takes the OS-level lock file under <root>/models/.lock that
// serializes concurrent installers (spec.md §5), using the same
// create-exclusive idiom the catalog's own WAL-adjacent code in the
// example pack uses for atomic file creation (O_CREATE|O_EXCL), rather
// than a platform-specific flock syscall.
func (m *Manager) acquireLock() (release func(), err error) {
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return nil, errs.Wrap(errs.Transient, "create model root", err)
	}
	path := m.lockPath()
	deadline := time.Now().Add(30 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, errs.Wrap(errs.Transient, "acquire model install lock", err)
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.Transient, "model install lock held by another process")
		}
		time.Sleep(200 * time.Millisecond)
	}
}

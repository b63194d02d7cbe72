// Package modellifecycle implements the model lifecycle manager (C7): the
// single owner of semantic-model acquisition, resumable download,
// SHA-256 verification, and atomic install (spec.md §4.7). It is the one
// exception to "no ambient singletons" (spec.md §9): concurrent callers
// must not race on download/verify transitions, so Manager itself
// serializes every state change.
package modellifecycle

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// ManifestFile is one file belonging to a ModelArtifact, pinned to a
// SHA-256 digest taken from the repo-committed manifest (spec.md §4.7).
type ManifestFile struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	SizeByte int64  `json:"size_bytes"`
}

// ManifestEntry describes one installable ModelArtifact: a repo, a pinned
// upstream revision, and its per-file hashes.
type ManifestEntry struct {
	ID        string         `json:"id"`
	Repo      string         `json:"repo"`
	Revision  string         `json:"revision"`
	Dimension int            `json:"dimension"`
	Files     []ManifestFile `json:"files"`
}

// Manifest is the full repo-committed pinning document (spec.md §4.7
// "a pinned per-file hash taken from a repo-committed manifest that also
// pins an upstream revision").
type Manifest struct {
	Entries map[string]ManifestEntry `json:"models"`
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, fmt.Sprintf("read model manifest %q", path), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.Malformed, fmt.Sprintf("parse model manifest %q", path), err)
	}
	return &m, nil
}

// Lookup resolves a model id to its manifest entry.
func (m *Manifest) Lookup(id string) (ManifestEntry, bool) {
	e, ok := m.Entries[id]
	return e, ok
}

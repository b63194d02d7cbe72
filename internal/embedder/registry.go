package embedder

import (
	"github.com/fyrsmithlabs/cass/internal/config"
)

// Registry holds the process's current embedder instance (spec.md §9
// "Global state... the current embedder instance"), swappable only by
// Set so every query in flight sees one consistent instance.
type Registry struct {
	current Embedder
}

// NewRegistry builds a registry starting on the hash fallback; the
// orchestrator/CLI calls Set once a semantic model reaches Ready (or
// immediately, if CASS_SEMANTIC_EMBEDDER=hash forces the fallback).
func NewRegistry(cfg config.EmbedConfig) *Registry {
	dim := 256
	return &Registry{current: NewHashEmbedder(dim)}
}

// Current returns the active embedder. Never nil: the hash fallback is
// always available even with no semantic model installed (spec.md §4.7
// "the engine either falls back to lexical-only or the feature-hash
// embedder").
func (r *Registry) Current() Embedder { return r.current }

// Set swaps the active embedder, e.g. once a model lifecycle transition
// reaches Ready, or reverts to the hash fallback on VerificationFailed.
func (r *Registry) Set(e Embedder) { r.current = e }

// ForceHash resolves CASS_SEMANTIC_EMBEDDER=hash (spec.md §6.4): the
// registry commits to the fallback regardless of model lifecycle state.
func (r *Registry) ForceHash(dimension int) { r.current = NewHashEmbedder(dimension) }

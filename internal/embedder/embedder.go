// Package embedder implements the embedder registry (C5): a pluggable
// interface with two concrete variants, a deterministic feature-hash
// fallback and a dense ONNX model, plus the chunking policy shared by both
// (spec.md §4.5).
package embedder

import (
	"context"

	"github.com/fyrsmithlabs/cass/internal/canon"
)

// Embedder is the capability set spec.md §4.5 names. ID is used as the
// embedder_id cache key (CVVI header, QueryFingerprint); IsSemantic
// distinguishes a true dense model from the hash fallback so callers never
// market a fallback embedding as semantic similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ID() string
	IsSemantic() bool
}

// Chunk is one head/mid/tail slice of an over-length message sharing the
// same message_id with a distinct ChunkIdx (spec.md §4.5).
type Chunk struct {
	Text     string
	ChunkIdx uint8
}

// ChunkOptions mirrors config.EmbedConfig's chunking knobs.
type ChunkOptions struct {
	Threshold   int // canonical text longer than this is chunked
	HeadTailMax int // chars per head/mid/tail chunk
}

// ChunkText splits canonical text exceeding 2x MAX into up to 3 chunks
// (head / mid / tail), all sharing the caller's message_id at distinct
// chunk_idx values, per spec.md §4.5. Text at or below the threshold
// returns a single chunk at idx 0.
func ChunkText(text string, opts ChunkOptions) []Chunk {
	runes := []rune(text)
	if len(runes) <= opts.Threshold {
		return []Chunk{{Text: text, ChunkIdx: 0}}
	}

	max := opts.HeadTailMax
	if max <= 0 || max*2 >= len(runes) {
		max = len(runes) / 3
	}

	head := string(runes[:clamp(max, len(runes))])
	tail := string(runes[len(runes)-clamp(max, len(runes)):])

	midStart := len(runes)/2 - max/2
	if midStart < 0 {
		midStart = 0
	}
	midEnd := midStart + max
	if midEnd > len(runes) {
		midEnd = len(runes)
	}
	mid := string(runes[midStart:midEnd])

	return []Chunk{
		{Text: head, ChunkIdx: 0},
		{Text: mid, ChunkIdx: 1},
		{Text: tail, ChunkIdx: 2},
	}
}

func clamp(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// CanonicalForEmbedding canonicalizes raw text with the "full" variant
// (spec.md §4.8: query embedding canonicalization uses the full pipeline,
// unlike lexical query canonicalization's lighter variant).
func CanonicalForEmbedding(raw string, opts canon.Options) string {
	return canon.Canonical(raw, opts)
}

// CollapseChunks keeps only the best-scoring chunk per message_id, the
// retrieval-time collapse spec.md §4.5 requires when a message was
// embedded as multiple chunks.
func CollapseChunks[T any](hits []T, messageID func(T) int64, score func(T) float32) []T {
	best := make(map[int64]int, len(hits))
	for i, h := range hits {
		id := messageID(h)
		if cur, ok := best[id]; !ok || score(h) > score(hits[cur]) {
			best[id] = i
		}
	}
	out := make([]T, 0, len(best))
	for _, i := range best {
		out = append(out, hits[i])
	}
	return out
}

package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashEmbedder is the deterministic feature-hash fallback (spec.md §4.5):
// tokenize, FNV-1a hash each token into a +1/-1 contribution, L2-normalize.
// Offline, instant, never marketed as semantic.
type HashEmbedder struct {
	dimension int
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewHashEmbedder builds a fallback embedder with the given fixed
// dimension (so its vectors are comparable across a corpus).
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

func (e *HashEmbedder) ID() string      { return "hash" }
func (e *HashEmbedder) Dimension() int  { return e.dimension }
func (e *HashEmbedder) IsSemantic() bool { return false }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.embedOne(text), nil
}

func (e *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimension)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 2 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dimension))
		// Use the next bit of the hash to pick a sign, so a token
		// contributes +1 or -1 rather than always +1 (avoids every
		// document's vector trending toward the all-positive corner).
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

package embedder

import (
	"context"
	"strings"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	v1, err := e.Embed(context.Background(), "commit changes to git repo")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := e.Embed(context.Background(), "commit changes to git repo")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v1) != 64 {
		t.Fatalf("len(v1) = %d, want 64", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("HashEmbedder not deterministic at index %d: %v vs %v", i, v1[i], v2[i])
		}
	}
}

func TestHashEmbedderDistinctTextsDiffer(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed(context.Background(), "authentication failed")
	b, _ := e.Embed(context.Background(), "unrelated database migration")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("distinct texts produced identical vectors")
	}
}

func TestHashEmbedderIsNotSemantic(t *testing.T) {
	e := NewHashEmbedder(32)
	if e.IsSemantic() {
		t.Fatalf("HashEmbedder.IsSemantic() = true, want false")
	}
	if e.ID() == "" {
		t.Fatalf("HashEmbedder.ID() is empty")
	}
}

func TestHashEmbedderDefaultDimension(t *testing.T) {
	e := NewHashEmbedder(0)
	if e.Dimension() != 256 {
		t.Fatalf("Dimension() = %d, want default 256", e.Dimension())
	}
}

func TestHashEmbedderL2Normalized(t *testing.T) {
	e := NewHashEmbedder(32)
	v, _ := e.Embed(context.Background(), "some reasonably long piece of text with several tokens")
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq < 0.99 || sumSq > 1.01 {
		t.Fatalf("vector not L2-normalized: sum of squares = %v", sumSq)
	}
}

func TestHashEmbedderEmptyTextYieldsZeroVector(t *testing.T) {
	e := NewHashEmbedder(16)
	v, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for _, x := range v {
		if x != 0 {
			t.Fatalf("empty text produced nonzero vector: %v", v)
		}
	}
}

func TestEmbedBatchMatchesEmbed(t *testing.T) {
	e := NewHashEmbedder(32)
	texts := []string{"alpha beta", "gamma delta epsilon"}
	batch, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, text := range texts {
		single, _ := e.Embed(context.Background(), text)
		for j := range single {
			if batch[i][j] != single[j] {
				t.Fatalf("EmbedBatch[%d] diverges from Embed at %d", i, j)
			}
		}
	}
}

func TestChunkTextShortTextIsSingleChunk(t *testing.T) {
	chunks := ChunkText("short text", ChunkOptions{Threshold: 4000, HeadTailMax: 500})
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].ChunkIdx != 0 {
		t.Fatalf("ChunkIdx = %d, want 0", chunks[0].ChunkIdx)
	}
}

func TestChunkTextLongTextProducesThreeChunks(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	chunks := ChunkText(long, ChunkOptions{Threshold: 2000, HeadTailMax: 500})
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if int(c.ChunkIdx) != i {
			t.Fatalf("chunks[%d].ChunkIdx = %d, want %d", i, c.ChunkIdx, i)
		}
		if c.Text == "" {
			t.Fatalf("chunks[%d].Text is empty", i)
		}
	}
}

func TestCollapseChunksKeepsBestScoring(t *testing.T) {
	type scored struct {
		messageID int64
		chunkIdx  uint8
		score     float32
	}
	hits := []scored{
		{messageID: 1, chunkIdx: 0, score: 0.2},
		{messageID: 1, chunkIdx: 1, score: 0.9},
		{messageID: 2, chunkIdx: 0, score: 0.5},
	}
	out := CollapseChunks(hits,
		func(h scored) int64 { return h.messageID },
		func(h scored) float32 { return h.score },
	)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	var gotMsg1 scored
	for _, o := range out {
		if o.messageID == 1 {
			gotMsg1 = o
		}
	}
	if gotMsg1.chunkIdx != 1 {
		t.Fatalf("CollapseChunks kept chunkIdx %d for message 1, want 1 (the higher-scoring chunk)", gotMsg1.chunkIdx)
	}
}

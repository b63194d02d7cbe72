package vecindex

import (
	"path/filepath"
	"testing"
)

func insertRandomish(t *testing.T, idx *Index, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		vec := make([]float32, idx.Dimension())
		vec[i%len(vec)] = 1.0
		vec[(i+1)%len(vec)] = 0.5
		row := Row{
			MessageID:   int64(i + 1),
			CreatedAtMS: int64(1000 + i),
			ContentHash: hashFor(byte(i + 1)),
		}
		if err := idx.InsertOrUpdate(row, vec); err != nil {
			t.Fatalf("InsertOrUpdate(%d): %v", i, err)
		}
	}
}

func TestBuildHNSWMatchesExactSearchTopHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.cvvi")
	idx, err := Open(path, "hash", 8, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	insertRandomish(t, idx, 20)
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	idx.BuildHNSW(4, 32)

	query := make([]float32, 8)
	query[0] = 1.0
	query[1] = 0.5

	exact := idx.ExactSearch(query, 5, nil)
	approx := idx.SearchTopK(query, 5, nil, true, 1)

	if len(exact) == 0 || len(approx) == 0 {
		t.Fatalf("expected non-empty results: exact=%d approx=%d", len(exact), len(approx))
	}
	// The approximate graph is greedy, not guaranteed identical to brute
	// force, but rows 1, 9 and 17 match the query exactly and both paths
	// break that tie the same way, so the top hit must agree.
	if exact[0].MessageID != approx[0].MessageID {
		t.Errorf("top hit differs: exact=%d approx=%d", exact[0].MessageID, approx[0].MessageID)
	}
}

func TestSearchTopKFallsBackBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.cvvi")
	idx, err := Open(path, "hash", 4, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	insertRandomish(t, idx, 3)
	idx.BuildHNSW(2, 8)

	query := []float32{1, 0, 0, 0}
	// hnswThreshold higher than row count: must use the brute-force path
	// even though HNSW is "enabled" and built.
	got := idx.SearchTopK(query, 3, nil, true, 100)
	want := idx.ExactSearch(query, 3, nil)
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].MessageID != want[i].MessageID {
			t.Fatalf("result[%d] = %d, want %d", i, got[i].MessageID, want[i].MessageID)
		}
	}
}

func TestBuildHNSWOnEmptyIndexProducesNoResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.cvvi")
	idx, err := Open(path, "hash", 4, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx.BuildHNSW(4, 16)
	got := idx.SearchTopK([]float32{1, 0, 0, 0}, 5, nil, true, 0)
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0 for empty index", len(got))
	}
}

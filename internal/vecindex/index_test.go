package vecindex

import (
	"os"
	"path/filepath"
	"testing"
)

func hashFor(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestOpenMissingFileReturnsEmptyIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cvvi")
	idx, err := Open(path, "hash", 4, QuantF32)
	if err != nil {
		t.Fatalf("Open missing file: %v", err)
	}
	if idx.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", idx.Count())
	}
}

func TestInsertSaveReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cvvi")
	idx, err := Open(path, "hash", 3, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rows := []Row{
		{MessageID: 1, CreatedAtMS: 100, AgentID: 1, ContentHash: hashFor(1)},
		{MessageID: 2, CreatedAtMS: 200, AgentID: 1, ContentHash: hashFor(2)},
	}
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}}
	for i, r := range rows {
		if err := idx.InsertOrUpdate(r, vecs[i]); err != nil {
			t.Fatalf("InsertOrUpdate: %v", err)
		}
	}
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if idx.Count() != 2 {
		t.Fatalf("Count() after save = %d, want 2", idx.Count())
	}

	reopened, err := Open(path, "hash", 3, QuantF32)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("reopened Count() = %d, want 2", reopened.Count())
	}
	hash, ok := reopened.ContentHashOf(1)
	if !ok {
		t.Fatalf("ContentHashOf(1) not found after reopen")
	}
	if hash == "" {
		t.Fatalf("ContentHashOf(1) returned empty hash")
	}
}

// TestCrashSimulatedSaveLeavesPriorFileValid mirrors spec.md §8 property 7
// and scenario 4: an interruption after the tmp file is written but before
// rename must leave either the prior file or a new verifiable file, never
// a torn file.
func TestCrashSimulatedSaveLeavesPriorFileValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cvvi")
	idx, err := Open(path, "hash", 2, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.InsertOrUpdate(Row{MessageID: 1, ContentHash: hashFor(1)}, []float32{1, 2}); err != nil {
		t.Fatalf("InsertOrUpdate: %v", err)
	}
	if err := idx.Save(path); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	// Simulate a crash after the tmp write but before rename: the tmp file
	// exists alongside the valid prior file.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte("garbage-partial-write"), 0o600); err != nil {
		t.Fatalf("write garbage tmp: %v", err)
	}

	// The prior file must still open cleanly regardless of the stray tmp.
	reopened, err := Open(path, "hash", 2, QuantF32)
	if err != nil {
		t.Fatalf("Open after simulated crash: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("Count() after simulated crash = %d, want 1", reopened.Count())
	}

	// A follow-up write must still succeed and grow the row count.
	if err := reopened.InsertOrUpdate(Row{MessageID: 2, ContentHash: hashFor(2)}, []float32{3, 4}); err != nil {
		t.Fatalf("InsertOrUpdate after crash: %v", err)
	}
	if err := reopened.Save(path); err != nil {
		t.Fatalf("Save after simulated crash: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("Count() after follow-up save = %d, want 2", reopened.Count())
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected .bak of prior file: %v", err)
	}
}

func TestInsertOrUpdateRejectsDimensionMismatch(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.cvvi"), "hash", 4, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.InsertOrUpdate(Row{MessageID: 1}, []float32{1, 2, 3}); err == nil {
		t.Fatalf("expected dimension mismatch error, got nil")
	}
}

// TestSearchTopKTieBreak mirrors spec.md §4.6: ties broken by higher
// created_at_ms, then lower message_id.
func TestSearchTopKTieBreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cvvi")
	idx, err := Open(path, "hash", 2, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Three rows with identical dot-product score against query [1,0].
	rows := []struct {
		id, createdAt int64
	}{
		{3, 100},
		{1, 200},
		{2, 200},
	}
	for _, r := range rows {
		if err := idx.InsertOrUpdate(Row{MessageID: r.id, CreatedAtMS: r.createdAt, ContentHash: hashFor(byte(r.id))}, []float32{1, 0}); err != nil {
			t.Fatalf("InsertOrUpdate: %v", err)
		}
	}
	hits := idx.ExactSearch([]float32{1, 0}, 10, nil)
	if len(hits) != 3 {
		t.Fatalf("len(hits) = %d, want 3", len(hits))
	}
	// Expect created_at_ms=200 rows first (message_id 1 then 2, lower id
	// first among equal created_at), then created_at_ms=100 (message_id 3).
	wantOrder := []int64{1, 2, 3}
	for i, want := range wantOrder {
		if hits[i].Row.MessageID != want {
			t.Fatalf("hits[%d].Row.MessageID = %d, want %d (full order: %v)", i, hits[i].Row.MessageID, want, hits)
		}
	}
}

func TestSearchTopKAppliesFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.cvvi")
	idx, err := Open(path, "hash", 2, QuantF32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.InsertOrUpdate(Row{MessageID: 1, AgentID: 1, ContentHash: hashFor(1)}, []float32{1, 0}); err != nil {
		t.Fatalf("InsertOrUpdate: %v", err)
	}
	if err := idx.InsertOrUpdate(Row{MessageID: 2, AgentID: 2, ContentHash: hashFor(2)}, []float32{1, 0}); err != nil {
		t.Fatalf("InsertOrUpdate: %v", err)
	}
	filter := &Filter{AgentIDs: map[uint32]bool{1: true}}
	hits := idx.ExactSearch([]float32{1, 0}, 10, filter)
	if len(hits) != 1 || hits[0].Row.MessageID != 1 {
		t.Fatalf("filtered ExactSearch = %+v, want only message_id=1", hits)
	}
}

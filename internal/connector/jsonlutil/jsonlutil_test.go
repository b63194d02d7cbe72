package jsonlutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestScanLinesSkipsMalformedLinesAsDiagnostics(t *testing.T) {
	path := writeLines(t, `{"a":1}`, `not json`, `{"a":2}`, ``)

	var seen []int
	diags, err := ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		seen = append(seen, lineNo)
		return true
	})
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("onLine called %d times, want 2 (malformed and blank lines skipped)", len(seen))
	}
	if len(diags) != 1 {
		t.Fatalf("len(diags) = %d, want 1 for the malformed line", len(diags))
	}
	if diags[0].Line != 2 {
		t.Fatalf("diags[0].Line = %d, want 2", diags[0].Line)
	}
}

func TestScanLinesStopsEarlyWhenOnLineReturnsFalse(t *testing.T) {
	path := writeLines(t, `{"a":1}`, `{"a":2}`, `{"a":3}`)

	var count int
	_, err := ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		count++
		return count < 2
	})
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	if count != 2 {
		t.Fatalf("onLine called %d times, want 2 (should stop after returning false)", count)
	}
}

func TestScanLinesMissingFileReturnsError(t *testing.T) {
	_, err := ScanLines(filepath.Join(t.TempDir(), "nope.jsonl"), func(int, json.RawMessage) bool { return true })
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestScanLinesPreservesLineOrder(t *testing.T) {
	path := writeLines(t, `{"a":1}`, `{"a":2}`, `{"a":3}`)
	var order []int
	_, err := ScanLines(path, func(lineNo int, raw json.RawMessage) bool {
		order = append(order, lineNo)
		return true
	})
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	want := []int{1, 2, 3}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// Package jsonlutil provides the line-by-line JSONL scanning helper shared
// by every connector whose agent records sessions as newline-delimited
// JSON: one bad line must not abort the rest of the session (spec.md
// §4.1), so this reads defensively and reports skipped lines as
// connectorsdk.Diagnostic instead of returning an error.
package jsonlutil

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// maxLineBytes bounds a single JSONL line, guarding against an unbounded
// read on a corrupt or truncated file (bufio.Scanner's default buffer is
// 64KiB; transcripts can carry much larger tool outputs inline).
const maxLineBytes = 16 << 20 // 16MiB

// ScanLines opens path and calls onLine for each successfully-decoded JSON
// line in order. Lines that fail to parse as JSON are skipped and appended
// to diagnostics rather than aborting the scan, per spec.md §4.1's
// resilience requirement. onLine returning false stops the scan early
// (consumer backpressure), matching connectorsdk.NormalizedConversation's
// yield-based Messages callback.
func ScanLines(path string, onLine func(lineNo int, raw json.RawMessage) bool) ([]connectorsdk.Diagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var diags []connectorsdk.Diagnostic

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		var raw json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			diags = append(diags, connectorsdk.Diagnostic{
				Path: path, Line: lineNo, Message: "malformed JSON line: " + err.Error(),
			})
			continue
		}
		if !onLine(lineNo, raw) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		diags = append(diags, connectorsdk.Diagnostic{
			Path: path, Line: lineNo, Message: "scan aborted: " + err.Error(),
		})
	}
	return diags, nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

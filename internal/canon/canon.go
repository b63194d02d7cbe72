// Package canon implements the single deterministic canonicalization
// function shared by lexical indexing, embedding, and content hashing
// (spec.md §4.2). Any change to the canonicalization algorithm is a
// migration event: every message's content_hash and derived indices must
// be treated as stale.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// Options parametrizes canonicalization per internal/config.CanonConfig.
type Options struct {
	// CodeCollapseHeadLines (H) and CodeCollapseTailLines (T): fenced code
	// blocks longer than H+T lines collapse to head/tail plus an omission
	// marker.
	CodeCollapseHeadLines int
	CodeCollapseTailLines int
	// MaxChars (MAX) is the final truncation length.
	MaxChars int
}

// DefaultOptions mirrors internal/config.Default()'s CanonConfig.
func DefaultOptions() Options {
	return Options{CodeCollapseHeadLines: 20, CodeCollapseTailLines: 10, MaxChars: 2000}
}

// lowSignalBoilerplate is matched against the fully-canonicalized text
// (after whitespace normalization) before truncation; these are dropped to
// the empty string, since an index entry consisting only of an ack carries
// no search signal.
var lowSignalBoilerplate = map[string]bool{
	"ok.":            true,
	"ok":              true,
	"done.":           true,
	"done":            true,
	"got it.":         true,
	"understood.":     true,
	"sounds good.":    true,
	"sure.":           true,
	"":                true,
}

var md = goldmark.New()

// Canonical implements the ordered pipeline of spec.md §4.2:
//  1. Unicode NFC normalize.
//  2. Strip markdown syntax, keeping visible words.
//  3. Collapse long fenced code blocks.
//  4. Normalize whitespace.
//  5. Drop known low-signal boilerplate.
//  6. Truncate to MaxChars.
//
// Canonical MUST be pure: same raw + same Options always yields the same
// output, across process restarts and Go versions, since content_hash
// depends on it.
func Canonical(raw string, opts Options) string {
	nfc := norm.NFC.String(raw)

	visible, code := extractMarkdown(nfc)

	collapsed := collapseCodeBlocks(code, opts.CodeCollapseHeadLines, opts.CodeCollapseTailLines)

	var sb strings.Builder
	sb.WriteString(visible)
	for _, block := range collapsed {
		sb.WriteByte('\n')
		sb.WriteString(block)
	}

	normalized := normalizeWhitespace(sb.String())

	if lowSignalBoilerplate[strings.ToLower(strings.TrimSpace(normalized))] {
		return ""
	}

	return truncateRunes(normalized, opts.MaxChars)
}

// ContentHash computes spec.md's content_hash(raw) = SHA-256(canonical(raw)).
func ContentHash(raw string, opts Options) string {
	sum := sha256.Sum256([]byte(Canonical(raw, opts)))
	return hex.EncodeToString(sum[:])
}

// extractMarkdown walks the goldmark AST, returning the visible prose
// (headings, paragraphs, list items, emphasis, inline code text, link text
// with the URL dropped unless it is the only token) separately from the
// raw text of fenced code blocks, which collapseCodeBlocks handles on its
// own terms.
func extractMarkdown(src string) (visible string, codeBlocks []string) {
	reader := text.NewReader([]byte(src))
	doc := md.Parser().Parse(reader)

	var proseBuf bytes.Buffer
	source := []byte(src)

	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			var block bytes.Buffer
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				block.Write(line.Value(source))
			}
			codeBlocks = append(codeBlocks, strings.TrimRight(block.String(), "\n"))
			return
		case *ast.CodeBlock:
			var block bytes.Buffer
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				block.Write(line.Value(source))
			}
			codeBlocks = append(codeBlocks, strings.TrimRight(block.String(), "\n"))
			return
		case *ast.AutoLink:
			proseBuf.Write(node.URL(source))
			proseBuf.WriteByte(' ')
			return
		case *ast.Link:
			// Link text is kept; the URL is dropped unless the link has no
			// visible text (the link itself is the only token).
			if node.ChildCount() == 0 {
				proseBuf.Write(node.Destination)
				proseBuf.WriteByte(' ')
				return
			}
		case *ast.Text:
			proseBuf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				proseBuf.WriteByte('\n')
			}
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
		switch n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.Blockquote:
			proseBuf.WriteString("\n\n")
		case *ast.ListItem:
			proseBuf.WriteByte('\n')
		}
	}
	walk(doc)

	return proseBuf.String(), codeBlocks
}

// collapseCodeBlocks collapses each block longer than H+T lines to
// "head … [code omitted N lines] … tail".
func collapseCodeBlocks(blocks []string, head, tail int) []string {
	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		lines := strings.Split(block, "\n")
		if len(lines) <= head+tail {
			out = append(out, block)
			continue
		}
		omitted := len(lines) - head - tail
		var sb strings.Builder
		sb.WriteString(strings.Join(lines[:head], "\n"))
		sb.WriteString("\n… [code omitted ")
		sb.WriteString(itoa(omitted))
		sb.WriteString(" lines] …\n")
		sb.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
		out = append(out, sb.String())
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var whitespaceRun = regexp.MustCompile(`[ \t]+`)
var paragraphBreak = regexp.MustCompile(`\n{3,}`)

// normalizeWhitespace trims, collapses runs of horizontal whitespace to a
// single space, and preserves paragraph breaks (collapsing 3+ newlines to
// exactly 2).
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
	}
	joined := strings.Join(lines, "\n")
	joined = paragraphBreak.ReplaceAllString(joined, "\n\n")
	return strings.TrimSpace(joined)
}

// truncateRunes truncates to at most max runes, respecting UTF-8 boundaries.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

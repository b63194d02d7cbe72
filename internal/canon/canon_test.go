package canon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonical_StripsMarkdownKeepsWords(t *testing.T) {
	got := Canonical("**bold** and _em_ text with `inline code`", DefaultOptions())
	require.Contains(t, got, "bold")
	require.Contains(t, got, "em")
	require.Contains(t, got, "inline code")
	require.NotContains(t, got, "**")
	require.NotContains(t, got, "`")
}

func TestCanonical_LinkTextKeptURLDropped(t *testing.T) {
	got := Canonical("see [the docs](https://example.com/path) for detail", DefaultOptions())
	require.Contains(t, got, "the docs")
	require.NotContains(t, got, "example.com")
}

func TestCanonical_AutoLinkKeptWhenOnlyToken(t *testing.T) {
	got := Canonical("<https://example.com/path>", DefaultOptions())
	require.Contains(t, got, "example.com")
}

func TestCanonical_CollapsesLongCodeBlocks(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "line")
	}
	raw := "```go\n" + strings.Join(lines, "\n") + "\n```"
	got := Canonical(raw, Options{CodeCollapseHeadLines: 20, CodeCollapseTailLines: 10, MaxChars: 2000})
	require.Contains(t, got, "omitted 20 lines")
}

func TestCanonical_ShortCodeBlockNotCollapsed(t *testing.T) {
	raw := "```go\nfmt.Println(\"hi\")\n```"
	got := Canonical(raw, DefaultOptions())
	require.Contains(t, got, "fmt.Println")
	require.NotContains(t, got, "omitted")
}

func TestCanonical_WhitespaceCollapsed(t *testing.T) {
	got := Canonical("hello    world\n\n\n\nnext paragraph", DefaultOptions())
	require.Equal(t, "hello world\n\nnext paragraph", got)
}

func TestCanonical_DropsLowSignalBoilerplate(t *testing.T) {
	require.Equal(t, "", Canonical("OK.", DefaultOptions()))
	require.Equal(t, "", Canonical("Done.", DefaultOptions()))
}

func TestCanonical_TruncatesToMaxChars(t *testing.T) {
	raw := strings.Repeat("a", 5000)
	got := Canonical(raw, Options{CodeCollapseHeadLines: 20, CodeCollapseTailLines: 10, MaxChars: 100})
	require.Len(t, []rune(got), 100)
}

func TestCanonical_IsPureAndStable(t *testing.T) {
	raw := "Some **markdown** with `code` and a [link](https://x.test)."
	a := Canonical(raw, DefaultOptions())
	b := Canonical(raw, DefaultOptions())
	require.Equal(t, a, b)
}

func TestContentHash_MatchesCanonicalDefinition(t *testing.T) {
	raw := "hello world"
	h1 := ContentHash(raw, DefaultOptions())
	h2 := ContentHash(raw, DefaultOptions())
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64) // hex-encoded SHA-256
}

func TestContentHash_ChangesWithContent(t *testing.T) {
	require.NotEqual(t,
		ContentHash("alpha content", DefaultOptions()),
		ContentHash("beta content", DefaultOptions()),
	)
}

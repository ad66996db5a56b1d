package tokenize

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var markdownFragments = []string{
	"Hello", " ", "world", ".", "\n", "\n\n", "# ", "## Title", "```go\n", "```", "`x`",
	"| a | b |", "|---|---|", "> quote", "**bold**", "_it_", "~~gone~~", "naïve", "日本語",
	"😀", "a,b;c:d", "supercalifragilisticexpialidocious-and-more", "\t", "\r\n", "{\"k\":1}",
}

func TestTokenizeReassemblesArbitraryStrings(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	properties.Property("joined tokens equal input", prop.ForAll(
		func(s string) bool {
			return strings.Join(Tokenize(s), "") == s
		},
		gen.AnyString(),
	))

	properties.Property("joined tokens equal markdown-like input", prop.ForAll(
		func(idx []int) bool {
			var b strings.Builder
			for _, i := range idx {
				b.WriteString(markdownFragments[i])
			}
			s := b.String()
			return strings.Join(Tokenize(s), "") == s
		},
		gen.SliceOf(gen.IntRange(0, len(markdownFragments)-1)),
	))

	properties.Property("no empty tokens", prop.ForAll(
		func(s string) bool {
			for _, tok := range Tokenize(s) {
				if tok == "" {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestTokenizeAtomicMarkers(t *testing.T) {
	got := Tokenize("# Title\n\nSome **bold** text.\n```go\nx := 1\n```\n| a | b |")
	require.Equal(t, []string{
		"#", " ", "Title", "\n\n",
		"Some", " ", "**", "bold", "**", " ", "text", ".", "\n",
		"```", "go", "\n", "x", " ", ":", "=", " ", "1", "\n", "```", "\n",
		"|", " ", "a", " ", "|", " ", "b", " ", "|",
	}, got)
}

func TestTokenizeHashInsideLineIsWordText(t *testing.T) {
	got := Tokenize("I like C# a lot")
	assert.Contains(t, got, "C#")
}

func TestTokenizeSplitsLongRuns(t *testing.T) {
	long := strings.Repeat("x", 60)
	got := Tokenizer{MaxRun: 20}.Tokenize(long)
	require.Len(t, got, 3)
	for _, tok := range got {
		assert.Len(t, tok, 20)
	}
}

func TestTokenizeInvalidUTF8(t *testing.T) {
	in := "ok\xff\xfe bad"
	assert.Equal(t, in, strings.Join(Tokenize(in), ""))
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Equal(t, 0, Count(""))
}

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"word": ClassWord,
		" ":    ClassSpace,
		"\n":   ClassNewline,
		"\n\n": ClassParagraph,
		".":    ClassSentenceEnd,
		",":    ClassPause,
		"```":  ClassFence,
		"`":    ClassInlineCode,
		"**":   ClassEmphasis,
		"##":   ClassHeader,
		"|":    ClassPipe,
		">":    ClassQuote,
		"C#":   ClassWord,
	}
	for tok, want := range cases {
		assert.Equal(t, want, Classify(tok), "Classify(%q)", tok)
	}
}

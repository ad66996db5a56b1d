// Package tokenize splits generated text into display tokens for streaming.
//
// Joining the tokens returned by Tokenize in order always reproduces the input
// exactly; the rest of the pipeline relies on that.
package tokenize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRun is the longest plain-text run, in runes, emitted as one token.
const DefaultMaxRun = 24

// Class describes what a token is, for pacing and diagnostics.
type Class int

const (
	ClassWord Class = iota
	ClassSpace
	ClassNewline
	ClassParagraph
	ClassSentenceEnd
	ClassPause
	ClassFence
	ClassInlineCode
	ClassEmphasis
	ClassHeader
	ClassPipe
	ClassQuote
)

func (c Class) String() string {
	switch c {
	case ClassWord:
		return "word"
	case ClassSpace:
		return "space"
	case ClassNewline:
		return "newline"
	case ClassParagraph:
		return "paragraph"
	case ClassSentenceEnd:
		return "sentence_end"
	case ClassPause:
		return "pause"
	case ClassFence:
		return "fence"
	case ClassInlineCode:
		return "inline_code"
	case ClassEmphasis:
		return "emphasis"
	case ClassHeader:
		return "header"
	case ClassPipe:
		return "pipe"
	case ClassQuote:
		return "quote"
	default:
		return "unknown"
	}
}

// Tokenizer splits text into tokens. The zero value uses DefaultMaxRun.
type Tokenizer struct {
	MaxRun int
}

// Tokenize splits text with the default tokenizer.
func Tokenize(text string) []string {
	return Tokenizer{}.Tokenize(text)
}

// Count returns the number of tokens Tokenize would produce.
func Count(text string) int {
	return len(Tokenize(text))
}

func (t Tokenizer) Tokenize(text string) []string {
	maxRun := t.MaxRun
	if maxRun <= 0 {
		maxRun = DefaultMaxRun
	}

	out := make([]string, 0, len(text)/4+1)
	lineStart := true
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		j := i + size
		nextLineStart := false

		switch {
		case r == '\n':
			j = runOf(text, i, func(r rune) bool { return r == '\n' })
			nextLineStart = true
		case isSpace(r):
			j = runOf(text, i, isSpace)
			nextLineStart = lineStart
		case r == '`':
			j = runOf(text, i, func(r rune) bool { return r == '`' })
		case r == '#' && lineStart:
			j = runOf(text, i, func(r rune) bool { return r == '#' })
		case r == '>' && lineStart:
			nextLineStart = true
		case r == '|':
		case r == '*' || r == '_' || r == '~':
			if j < len(text) {
				if next, nsize := utf8.DecodeRuneInString(text[j:]); next == r {
					j += nsize
				}
			}
		case isPunct(r):
		default:
			j = wordEnd(text, i, maxRun)
		}

		out = append(out, text[i:j])
		lineStart = nextLineStart
		i = j
	}
	return out
}

// Classify reports the class of a single token produced by Tokenize.
func Classify(token string) Class {
	if token == "" {
		return ClassWord
	}
	r, _ := utf8.DecodeRuneInString(token)
	switch {
	case r == '\n':
		if strings.Count(token, "\n") > 1 {
			return ClassParagraph
		}
		return ClassNewline
	case isSpace(r):
		return ClassSpace
	case r == '`':
		if len(token) >= 3 {
			return ClassFence
		}
		return ClassInlineCode
	case r == '#':
		if strings.Trim(token, "#") == "" {
			return ClassHeader
		}
	case r == '>' && token == ">":
		return ClassQuote
	case r == '|':
		return ClassPipe
	case r == '*' || r == '_' || r == '~':
		return ClassEmphasis
	case r == '.' || r == '!' || r == '?':
		return ClassSentenceEnd
	case r == ',' || r == ';' || r == ':':
		return ClassPause
	}
	return ClassWord
}

func runOf(text string, start int, match func(rune) bool) int {
	i := start
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !match(r) {
			break
		}
		i += size
	}
	return i
}

func wordEnd(text string, start, maxRun int) int {
	i := start
	n := 0
	for i < len(text) && n < maxRun {
		r, size := utf8.DecodeRuneInString(text[i:])
		if i > start && isBoundary(r) {
			break
		}
		i += size
		n++
	}
	return i
}

func isBoundary(r rune) bool {
	switch r {
	case '\n', '`', '|', '*', '_', '~':
		return true
	}
	return isSpace(r) || isPunct(r)
}

func isSpace(r rune) bool {
	return r != '\n' && unicode.IsSpace(r)
}

func isPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':':
		return true
	}
	return false
}

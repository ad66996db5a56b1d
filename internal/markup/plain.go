package markup

import (
	"regexp"
	"strings"
)

var (
	bulletPattern      = regexp.MustCompile(`^(\s*)\*\s+`)
	linkPattern        = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	markerPattern      = regexp.MustCompile("\\*\\*|__|~~|`")
	starEmphasis       = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
	underscoreEmphasis = regexp.MustCompile(`(^|\W)_([^_\s](?:[^_]*[^_\s])?)_(\W|$)`)
)

// StripInline removes inline markdown markers from one line of text.
func StripInline(line string) string {
	s := bulletPattern.ReplaceAllString(line, "$1- ")
	s = linkPattern.ReplaceAllString(s, "$1")
	s = markerPattern.ReplaceAllString(s, "")
	s = starEmphasis.ReplaceAllString(s, "$1")
	s = underscoreEmphasis.ReplaceAllString(s, "$1$2$3")
	return s
}

func stripLines(text string) string {
	parts := strings.Split(text, "\n")
	for i, p := range parts {
		parts[i] = StripInline(strings.TrimSuffix(p, "\r"))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// plainOf renders one block without markup.
func plainOf(b Block) string {
	switch b.Kind {
	case KindHeading:
		return StripInline(headingTitle(b.Text))
	case KindCode, KindReport:
		return b.Code
	case KindTable:
		rows := make([]string, 0, len(b.Table.Rows)+1)
		rows = append(rows, strings.Join(b.Table.Header, "\t"))
		for _, r := range b.Table.Rows {
			rows = append(rows, strings.Join(r, "\t"))
		}
		return strings.Join(rows, "\n")
	case KindCitation:
		quote := stripLines(b.Citation.Quote)
		if b.Citation.Source == "" {
			return quote
		}
		return quote + "\n— " + b.Citation.Source
	default:
		if b.Provisional && fenceOpen(firstLine(b.Text)) != nil {
			_, body, _ := strings.Cut(b.Text, "\n")
			return body
		}
		return stripLines(b.Text)
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return strings.TrimSuffix(line, "\r")
}

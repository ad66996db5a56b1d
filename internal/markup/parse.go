package markup

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	headingPattern   = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*))?$`)
	separatorPattern = regexp.MustCompile(`^\s*\|?(\s*:?-+:?\s*\|)+\s*(:?-+:?\s*)?$`)
)

// parsedBlock is a block plus what the incremental builder needs to know:
// end is the byte offset where parsing resumes, final reports whether every
// line consulted to build the block was complete.
type parsedBlock struct {
	block Block
	end   int
	final bool
}

type lines struct {
	raw    []string
	starts []int
	size   int
}

func splitLines(text string) lines {
	raw := strings.Split(text, "\n")
	starts := make([]int, len(raw))
	off := 0
	for i, l := range raw {
		starts[i] = off
		off += len(l) + 1
	}
	return lines{raw: raw, starts: starts, size: len(text)}
}

func (ls lines) last() int { return len(ls.raw) - 1 }

// line returns line i without a trailing carriage return.
func (ls lines) line(i int) string {
	return strings.TrimSuffix(ls.raw[i], "\r")
}

// complete reports whether line i is followed by a newline.
func (ls lines) complete(i int) bool { return i < ls.last() }

func (ls lines) offset(i int) int {
	if i >= len(ls.starts) {
		return ls.size
	}
	return ls.starts[i]
}

func (ls lines) join(from, to int) string {
	return strings.Join(ls.raw[from:to], "\n")
}

func parseBlocks(text string) []parsedBlock {
	ls := splitLines(text)
	var out []parsedBlock
	i := 0
	for i < len(ls.raw) {
		line := ls.line(i)
		if isBlank(line) {
			i++
			continue
		}
		var (
			b     Block
			next  int
			final bool
		)
		switch {
		case fenceOpen(line) != nil:
			b, next, final = parseFence(ls, i)
		case headingPattern.MatchString(line):
			b, next, final = parseHeading(ls, i)
		case isQuote(line):
			b, next, final = parseQuote(ls, i)
		case isPipeLine(line):
			b, next, final = parseTable(ls, i)
		default:
			b, next, final = parseParagraph(ls, i)
		}
		out = append(out, parsedBlock{block: b, end: ls.offset(next), final: final})
		i = next
	}
	return out
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func startsBlock(line string) bool {
	return fenceOpen(line) != nil || headingPattern.MatchString(line) || isQuote(line) || isPipeLine(line)
}

func trimIndent(line string) (string, bool) {
	n := 0
	for n < len(line) && n < 4 && line[n] == ' ' {
		n++
	}
	if n > 3 {
		return line, false
	}
	return line[n:], true
}

type fence struct {
	char  byte
	count int
	lang  string
}

func fenceOpen(line string) *fence {
	s, ok := trimIndent(line)
	if !ok || len(s) < 3 || (s[0] != '`' && s[0] != '~') {
		return nil
	}
	c := s[0]
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	if n < 3 {
		return nil
	}
	info := strings.TrimSpace(s[n:])
	if c == '`' && strings.Contains(info, "`") {
		return nil
	}
	lang := ""
	if fields := strings.Fields(info); len(fields) > 0 {
		lang = strings.ToLower(fields[0])
	}
	return &fence{char: c, count: n, lang: lang}
}

func (f *fence) closes(line string) bool {
	s, ok := trimIndent(line)
	if !ok {
		return false
	}
	s = strings.TrimRight(s, " \t")
	if len(s) < f.count {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != f.char {
			return false
		}
	}
	return true
}

func parseFence(ls lines, i int) (Block, int, bool) {
	f := fenceOpen(ls.line(i))
	for k := i + 1; k < len(ls.raw); k++ {
		if !f.closes(ls.line(k)) {
			continue
		}
		body := ls.join(i+1, k)
		b := Block{Kind: KindCode, Text: ls.join(i, k+1), Lang: f.lang, Code: body}
		if report, ok := reportOf(f.lang, body); ok {
			b.Kind = KindReport
			b.Report = report
		}
		return b, k + 1, ls.complete(k)
	}
	return Block{Kind: KindText, Text: ls.join(i, len(ls.raw)), Provisional: true}, len(ls.raw), false
}

func reportOf(lang, body string) (map[string]any, bool) {
	if lang != "json" && lang != "report" {
		return nil, false
	}
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil || report == nil {
		return nil, false
	}
	return report, true
}

func parseHeading(ls lines, i int) (Block, int, bool) {
	m := headingPattern.FindStringSubmatch(ls.line(i))
	return Block{Kind: KindHeading, Text: ls.raw[i], Level: len(m[1])}, i + 1, ls.complete(i)
}

func headingTitle(line string) string {
	m := headingPattern.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
	if m == nil {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[2]), "#"))
}

func isQuote(line string) bool {
	s, ok := trimIndent(line)
	return ok && strings.HasPrefix(s, ">")
}

func quoteContent(line string) string {
	s, _ := trimIndent(line)
	s = strings.TrimPrefix(s, ">")
	return strings.TrimPrefix(s, " ")
}

func attribution(line string) (string, bool) {
	s := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(s, "—"):
		s = strings.TrimPrefix(s, "—")
	case strings.HasPrefix(s, "--"):
		s = strings.TrimPrefix(s, "--")
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func parseQuote(ls lines, i int) (Block, int, bool) {
	j := i
	var quoted []string
	for j < len(ls.raw) && isQuote(ls.line(j)) {
		quoted = append(quoted, quoteContent(ls.line(j)))
		j++
	}
	examined := j
	next := j
	source := ""
	if n := len(quoted); n > 1 {
		if s, ok := attribution(quoted[n-1]); ok {
			source = s
			quoted = quoted[:n-1]
		}
	}
	if source == "" && j < len(ls.raw) {
		if s, ok := attribution(ls.line(j)); ok {
			source = s
			next = j + 1
		}
	}
	final := examined < len(ls.raw) && ls.complete(examined)
	c := &Citation{Quote: strings.Join(quoted, "\n"), Source: source}
	return Block{Kind: KindCitation, Text: ls.join(i, next), Citation: c}, next, final
}

func isPipeLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "|")
}

func parseTable(ls lines, i int) (Block, int, bool) {
	if i+1 >= len(ls.raw) || !ls.complete(i+1) {
		return Block{Kind: KindText, Text: ls.join(i, len(ls.raw)), Provisional: true}, len(ls.raw), false
	}
	sep := ls.line(i + 1)
	if !separatorPattern.MatchString(sep) {
		return paragraphFrom(ls, i, i+1)
	}

	header := splitRow(ls.line(i))
	t := &Table{Header: header, Align: alignments(sep, len(header))}
	j := i + 2
	for j < len(ls.raw) && isPipeLine(ls.line(j)) {
		t.Rows = append(t.Rows, fitRow(splitRow(ls.line(j)), len(header)))
		j++
	}
	final := j < len(ls.raw) && ls.complete(j)
	return Block{Kind: KindTable, Text: ls.join(i, j), Table: t, Provisional: !final}, j, final
}

func splitRow(line string) []string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "|")
	s = strings.TrimSuffix(s, "|")
	parts := strings.Split(s, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func fitRow(cells []string, n int) []string {
	if len(cells) == n {
		return cells
	}
	out := make([]string, n)
	copy(out, cells)
	return out
}

func alignments(sep string, n int) []string {
	cells := fitRow(splitRow(sep), n)
	out := make([]string, n)
	for i, c := range cells {
		left := strings.HasPrefix(c, ":")
		right := strings.HasSuffix(c, ":")
		switch {
		case left && right:
			out[i] = "center"
		case right:
			out[i] = "right"
		case left:
			out[i] = "left"
		}
	}
	return out
}

func parseParagraph(ls lines, i int) (Block, int, bool) {
	return paragraphFrom(ls, i, i+1)
}

// paragraphFrom builds a text block from line i, continuing at line j until
// a blank line or the start of another block.
func paragraphFrom(ls lines, i, j int) (Block, int, bool) {
	for j < len(ls.raw) {
		line := ls.line(j)
		if isBlank(line) || startsBlock(line) {
			break
		}
		j++
	}
	final := j < len(ls.raw) && ls.complete(j)
	return Block{Kind: KindText, Text: ls.join(i, j)}, j, final
}

// Package markup parses streamed markdown into typed blocks.
//
// Parse is a pure function of the text. Builder produces the same result
// incrementally: blocks whose extent was decided by complete lines are
// committed and never re-parsed, only the open tail is.
package markup

import (
	"github.com/antoniostano/chatstream/internal/protocol"
)

type BlockKind string

const (
	KindText     BlockKind = "text"
	KindHeading  BlockKind = "heading"
	KindCode     BlockKind = "code"
	KindTable    BlockKind = "table"
	KindCitation BlockKind = "citation"
	KindReport   BlockKind = "report"
)

// Block is one parsed unit of content. Provisional blocks may still change
// as more text arrives: unterminated fences and table headers without a
// separator yet are Provisional text, an open table is a Provisional table.
type Block struct {
	Kind        BlockKind      `json:"kind"`
	Text        string         `json:"text"`
	Level       int            `json:"level,omitempty"`
	Lang        string         `json:"lang,omitempty"`
	Code        string         `json:"code,omitempty"`
	Table       *Table         `json:"table,omitempty"`
	Citation    *Citation      `json:"citation,omitempty"`
	Report      map[string]any `json:"report,omitempty"`
	Provisional bool           `json:"provisional,omitempty"`
}

type Table struct {
	Header []string   `json:"header"`
	Align  []string   `json:"align"`
	Rows   [][]string `json:"rows"`
}

type Citation struct {
	Quote  string `json:"quote"`
	Source string `json:"source,omitempty"`
}

type CodeBlock struct {
	Lang string `json:"lang,omitempty"`
	Code string `json:"code"`
}

// ParsedContent is the structured view of a message. Values returned by
// Parse and Builder share backing arrays and must be treated as read-only.
type ParsedContent struct {
	PlainText   string               `json:"plainText"`
	Blocks      []Block              `json:"blocks,omitempty"`
	Tables      []Table              `json:"tables,omitempty"`
	Citations   []Citation           `json:"citations,omitempty"`
	Reports     []map[string]any     `json:"reports,omitempty"`
	CodeBlocks  []CodeBlock          `json:"codeBlocks,omitempty"`
	ContentType protocol.ContentType `json:"contentType"`
}

// Parse returns the structured view of text.
func Parse(text string) ParsedContent {
	var blocks []Block
	for _, pb := range parseBlocks(text) {
		blocks = append(blocks, pb.block)
	}
	return assemble(blocks, nil)
}

// Classify returns the dominant content type of text: report, then table,
// then citation, otherwise markdown.
func Classify(text string) protocol.ContentType {
	return Parse(text).ContentType
}

// assemble derives the aggregate views from blocks. plains, when non-nil,
// holds precomputed plain renderings for a prefix of blocks.
func assemble(blocks []Block, plains []string) ParsedContent {
	out := ParsedContent{Blocks: blocks, ContentType: protocol.ContentMarkdown}
	var hasTable, hasCitation, hasReport bool
	var rendered []string
	for i, b := range blocks {
		var p string
		if i < len(plains) {
			p = plains[i]
		} else {
			p = plainOf(b)
		}
		if p != "" {
			rendered = append(rendered, p)
		}
		switch b.Kind {
		case KindTable:
			out.Tables = append(out.Tables, *b.Table)
			hasTable = true
		case KindCitation:
			out.Citations = append(out.Citations, *b.Citation)
			hasCitation = true
		case KindReport:
			out.Reports = append(out.Reports, b.Report)
			hasReport = true
		case KindCode:
			out.CodeBlocks = append(out.CodeBlocks, CodeBlock{Lang: b.Lang, Code: b.Code})
		}
	}
	out.PlainText = joinPlain(rendered)
	switch {
	case hasReport:
		out.ContentType = protocol.ContentReport
	case hasTable:
		out.ContentType = protocol.ContentTable
	case hasCitation:
		out.ContentType = protocol.ContentCitation
	}
	return out
}

func joinPlain(parts []string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 2
	}
	buf := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, "\n\n"...)
		}
		buf = append(buf, p...)
	}
	return string(buf)
}

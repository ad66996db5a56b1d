package proxy

import (
	"errors"
	"strings"

	"github.com/antoniostano/chatstream/internal/protocol"
)

// Accumulator interprets forwarded lines to recover what the assistant said.
// It never affects forwarding.
type Accumulator struct {
	tokens    strings.Builder
	sections  map[string]*strings.Builder
	final     *string
	errInfo   *protocol.ErrorInfo
	sessionID string
	count     int
	lastIndex int
	gaps      int
	generator string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{sections: make(map[string]*strings.Builder)}
}

// Observe decodes one line. Empty lines return protocol.ErrEmptyLine; other
// errors mean the line was malformed.
func (a *Accumulator) Observe(line []byte) (protocol.Chunk, error) {
	c, err := protocol.ParseLine(line)
	if err != nil {
		return protocol.Chunk{}, err
	}
	if a.sessionID == "" {
		a.sessionID = c.SessionID
	}

	switch d := c.Payload.(type) {
	case protocol.MetadataData:
		a.generator = d.Generator
	case protocol.TokenData:
		a.count++
		if d.Index != 0 && d.Index != a.lastIndex+1 {
			a.gaps++
		}
		a.lastIndex = d.Index
		a.tokens.WriteString(d.Token)
		name := d.Section
		if name == "" {
			name = protocol.SectionAnswer
		}
		b, ok := a.sections[name]
		if !ok {
			b = &strings.Builder{}
			a.sections[name] = b
		}
		b.WriteString(d.Token)
	case protocol.CompleteData:
		final := d.FinalContent
		a.final = &final
	case protocol.ErrorData:
		info := d.Error
		a.errInfo = &info
	}
	return c, nil
}

// Completed reports whether a complete chunk was seen.
func (a *Accumulator) Completed() bool {
	return a.final != nil
}

// Content prefers complete.finalContent and falls back to the tokens seen.
func (a *Accumulator) Content() string {
	if a.final != nil {
		return *a.final
	}
	return a.tokens.String()
}

// TokenContent is the concatenation of every token seen so far.
func (a *Accumulator) TokenContent() string {
	return a.tokens.String()
}

// Mismatch reports whether finalContent disagrees with the tokens seen.
func (a *Accumulator) Mismatch() bool {
	return a.final != nil && *a.final != a.tokens.String()
}

// Sections returns the text streamed per section.
func (a *Accumulator) Sections() map[string]string {
	if len(a.sections) == 0 {
		return nil
	}
	out := make(map[string]string, len(a.sections))
	for name, b := range a.sections {
		out[name] = b.String()
	}
	return out
}

func (a *Accumulator) Err() *protocol.ErrorInfo { return a.errInfo }
func (a *Accumulator) SessionID() string        { return a.sessionID }
func (a *Accumulator) Tokens() int              { return a.count }
func (a *Accumulator) IndexGaps() int           { return a.gaps }
func (a *Accumulator) Generator() string        { return a.generator }

func isEmptyLine(err error) bool {
	return errors.Is(err, protocol.ErrEmptyLine)
}

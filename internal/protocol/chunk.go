package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChunkType identifies NDJSON stream chunk variants.
type ChunkType string

const (
	TypeStart    ChunkType = "start"
	TypeMetadata ChunkType = "metadata"
	TypeSection  ChunkType = "section"
	TypeToken    ChunkType = "token"
	TypeProgress ChunkType = "progress"
	TypeComplete ChunkType = "complete"
	TypeError    ChunkType = "error"
)

// Terminal reports whether a chunk of this type ends the stream.
func (t ChunkType) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// ContentType is a best-effort classification of streamed content.
type ContentType string

const (
	ContentMarkdown ContentType = "markdown"
	ContentTable    ContentType = "table"
	ContentCitation ContentType = "citation"
	ContentReport   ContentType = "report"
)

// SectionAction marks the boundaries of a named section.
type SectionAction string

const (
	SectionStart SectionAction = "start"
	SectionEnd   SectionAction = "end"
)

// SectionAnswer is the primary response section, always streamed last.
const SectionAnswer = "answer"

var (
	ErrUnsupportedType = errors.New("unsupported chunk type")
	ErrEmptyLine       = errors.New("empty line")
)

// Payload is implemented by every chunk data variant.
type Payload interface {
	ChunkType() ChunkType
}

type StartData struct {
	PromptTokens int      `json:"promptTokens"`
	Categories   []string `json:"categories,omitempty"`
	ChatID       string   `json:"chatId,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
}

type MetadataData struct {
	TotalTokens int      `json:"totalTokens"`
	Sections    []string `json:"sections,omitempty"`
	Generator   string   `json:"generator,omitempty"`
}

type SectionData struct {
	Section     string        `json:"section"`
	Action      SectionAction `json:"action"`
	ContentType ContentType   `json:"contentType,omitempty"`
}

type TokenData struct {
	Token             string      `json:"token"`
	Index             int         `json:"index"`
	TotalTokens       int         `json:"totalTokens"`
	CumulativeContent *string     `json:"cumulativeContent,omitempty"`
	Section           string      `json:"section,omitempty"`
	ContentType       ContentType `json:"contentType,omitempty"`
	IsLastToken       bool        `json:"isLastToken"`
}

type ProgressData struct {
	Emitted int    `json:"emitted"`
	Section string `json:"section,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type Quality struct {
	Sections    int         `json:"sections"`
	DurationMS  int64       `json:"durationMs"`
	ContentType ContentType `json:"contentType,omitempty"`
}

type CompleteData struct {
	FinalContent string   `json:"finalContent"`
	TotalTokens  int      `json:"totalTokens"`
	Usage        Usage    `json:"usage"`
	Quality      *Quality `json:"quality,omitempty"`
}

// ErrorInfo describes a failure that happened after the stream started.
// Recoverable means the content already delivered is usable.
type ErrorInfo struct {
	Message     string `json:"message"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

func (e ErrorInfo) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type ErrorData struct {
	Error ErrorInfo `json:"error"`
}

func (StartData) ChunkType() ChunkType    { return TypeStart }
func (MetadataData) ChunkType() ChunkType { return TypeMetadata }
func (SectionData) ChunkType() ChunkType  { return TypeSection }
func (TokenData) ChunkType() ChunkType    { return TypeToken }
func (ProgressData) ChunkType() ChunkType { return TypeProgress }
func (CompleteData) ChunkType() ChunkType { return TypeComplete }
func (ErrorData) ChunkType() ChunkType    { return TypeError }

// Chunk is one unit of the streaming wire protocol. The concrete Payload type
// always matches Type.
type Chunk struct {
	Type      ChunkType
	Payload   Payload
	Timestamp string
	SessionID string
}

type wireChunk struct {
	ChunkType ChunkType       `json:"chunkType"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// NewChunk stamps payload with the session id and the current UTC time.
func NewChunk(sessionID string, payload Payload) Chunk {
	return Chunk{
		Type:      payload.ChunkType(),
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
	}
}

func (c Chunk) MarshalJSON() ([]byte, error) {
	typ := c.Type
	if typ == "" && c.Payload != nil {
		typ = c.Payload.ChunkType()
	}
	if typ == "" {
		return nil, errors.New("chunk without type")
	}
	data := json.RawMessage("{}")
	if c.Payload != nil {
		if c.Payload.ChunkType() != typ {
			return nil, fmt.Errorf("chunk type %q does not match payload %T", typ, c.Payload)
		}
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		data = raw
	}
	return json.Marshal(wireChunk{
		ChunkType: typ,
		Data:      data,
		Timestamp: c.Timestamp,
		SessionID: c.SessionID,
	})
}

func (c *Chunk) UnmarshalJSON(raw []byte) error {
	var w wireChunk
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("invalid chunk envelope: %w", err)
	}
	if w.ChunkType == "" {
		return errors.New("invalid chunk: missing chunkType")
	}

	payload, err := decodePayload(w.ChunkType, w.Data)
	if err != nil {
		return err
	}
	*c = Chunk{
		Type:      w.ChunkType,
		Payload:   payload,
		Timestamp: w.Timestamp,
		SessionID: w.SessionID,
	}
	return nil
}

func decodePayload(t ChunkType, data json.RawMessage) (Payload, error) {
	switch t {
	case TypeStart:
		return decodeInto[StartData](t, data)
	case TypeMetadata:
		return decodeInto[MetadataData](t, data)
	case TypeSection:
		return decodeInto[SectionData](t, data)
	case TypeToken:
		return decodeInto[TokenData](t, data)
	case TypeProgress:
		return decodeInto[ProgressData](t, data)
	case TypeComplete:
		return decodeInto[CompleteData](t, data)
	case TypeError:
		return decodeInto[ErrorData](t, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
}

func decodeInto[T Payload](t ChunkType, data json.RawMessage) (Payload, error) {
	var v T
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", t, err)
	}
	return v, nil
}

// Encode serializes a chunk as one NDJSON line, newline included.
func Encode(c Chunk) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// ParseLine decodes one NDJSON line. Surrounding whitespace is ignored.
func ParseLine(line []byte) (Chunk, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Chunk{}, ErrEmptyLine
	}
	var c Chunk
	if err := json.Unmarshal(line, &c); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// Strptr returns a pointer to s, for optional payload fields.
func Strptr(s string) *string {
	return &s
}

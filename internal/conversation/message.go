package conversation

import (
	"encoding/json"
	"maps"

	"github.com/antoniostano/chatstream/internal/markup"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/store"
)

// State is the lifecycle position of a conversation.
type State string

const (
	StateIdle        State = "idle"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
	StateErrored     State = "errored"
)

// Section is the content streamed inside one named section.
type Section struct {
	Content string               `json:"content"`
	Parsed  markup.ParsedContent `json:"parsed"`
	Closed  bool                 `json:"closed"`
}

// Message is one chat message as the UI sees it.
type Message struct {
	ID             string               `json:"id"`
	Role           protocol.Role        `json:"role"`
	Content        string               `json:"content"`
	IsStreaming    bool                 `json:"isStreaming"`
	IsInterrupted  bool                 `json:"isInterrupted"`
	Parsed         markup.ParsedContent `json:"parsed"`
	Sections       map[string]Section   `json:"sections,omitempty"`
	FilterID       string               `json:"filterId,omitempty"`
	FilterSnapshot json.RawMessage      `json:"filterSnapshot,omitempty"`
	SessionID      string               `json:"sessionId,omitempty"`
	Error          *protocol.ErrorInfo  `json:"error,omitempty"`
}

func (m Message) clone() Message {
	m.Sections = maps.Clone(m.Sections)
	return m
}

// Conversation is a snapshot of one chat.
type Conversation struct {
	ChatID      string    `json:"chatId"`
	State       State     `json:"state"`
	LastOutcome State     `json:"lastOutcome,omitempty"`
	Messages    []Message `json:"messages"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.clone()
	}
	return out
}

func (c *Conversation) indexOf(messageID string) int {
	for i, m := range c.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// history is the request view of the conversation.
func (c *Conversation) history() []protocol.Message {
	out := make([]protocol.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, protocol.Message{
			ID:             m.ID,
			Role:           m.Role,
			Content:        m.Content,
			FilterID:       m.FilterID,
			FilterSnapshot: m.FilterSnapshot,
		})
	}
	return out
}

func fromStored(m store.Message) Message {
	msg := Message{
		ID:             m.ID,
		Role:           protocol.Role(m.Role),
		Content:        m.Content,
		IsInterrupted:  m.Status != store.StatusComplete,
		Parsed:         markup.Parse(m.Content),
		FilterID:       m.FilterID,
		FilterSnapshot: m.FilterSnapshot,
	}
	if len(m.Sections) > 0 {
		msg.Sections = make(map[string]Section, len(m.Sections))
		for name, text := range m.Sections {
			msg.Sections[name] = Section{Content: text, Parsed: markup.Parse(text), Closed: true}
		}
	}
	return msg
}

func toStored(m Message, status store.MessageStatus) store.Message {
	out := store.Message{
		ID:             m.ID,
		Role:           string(m.Role),
		Content:        m.Content,
		Status:         status,
		FilterID:       m.FilterID,
		FilterSnapshot: m.FilterSnapshot,
	}
	if len(m.Sections) > 0 {
		out.Sections = make(map[string]string, len(m.Sections))
		for name, s := range m.Sections {
			out.Sections[name] = s.Content
		}
	}
	if m.SessionID != "" || m.Error != nil {
		out.Metadata, _ = json.Marshal(struct {
			SessionID string              `json:"sessionId,omitempty"`
			Error     *protocol.ErrorInfo `json:"error,omitempty"`
		}{m.SessionID, m.Error})
	}
	return out
}

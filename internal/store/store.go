// Package store persists chats and their messages. Every backend implements
// SaveMessage as an idempotent upsert keyed by message id, and never lets a
// later snapshot overwrite a message that was already saved complete.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageStatus records how a message ended.
type MessageStatus string

const (
	StatusComplete    MessageStatus = "complete"
	StatusPartial     MessageStatus = "partial"
	StatusInterrupted MessageStatus = "interrupted"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("chat belongs to another user")
	ErrInvalid   = errors.New("invalid record")
)

// MaxChatNameRunes bounds chat names derived from the first user message.
const MaxChatNameRunes = 60

type Chat struct {
	ID             string    `json:"id" msgpack:"id"`
	UserID         string    `json:"userId" msgpack:"user_id"`
	Name           string    `json:"name" msgpack:"name"`
	ActiveFilterID string    `json:"activeFilterId,omitempty" msgpack:"active_filter_id"`
	CreatedAt      time.Time `json:"createdAt" msgpack:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" msgpack:"updated_at"`
}

type Message struct {
	ID             string            `json:"id" msgpack:"id"`
	ChatID         string            `json:"chatId" msgpack:"chat_id"`
	UserID         string            `json:"userId" msgpack:"user_id"`
	Role           string            `json:"role" msgpack:"role"`
	Content        string            `json:"content" msgpack:"content"`
	Status         MessageStatus     `json:"status" msgpack:"status"`
	Sections       map[string]string `json:"sections,omitempty" msgpack:"sections"`
	Metadata       json.RawMessage   `json:"metadata,omitempty" msgpack:"metadata"`
	FilterID       string            `json:"filterId,omitempty" msgpack:"filter_id"`
	FilterSnapshot json.RawMessage   `json:"filterSnapshot,omitempty" msgpack:"filter_snapshot"`
	CreatedAt      time.Time         `json:"createdAt" msgpack:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" msgpack:"updated_at"`
}

// Store persists chats and messages.
type Store interface {
	EnsureChatExists(ctx context.Context, chatID, userID, name string) (Chat, error)
	GetChat(ctx context.Context, chatID, userID string) (Chat, error)
	SetActiveFilter(ctx context.Context, chatID, userID, filterID string) error
	SaveMessage(ctx context.Context, chatID, userID string, msg Message) error
	ListMessages(ctx context.Context, chatID, userID string, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, chatID, userID, messageID string) error
	Close() error
}

// ChatName derives a chat name from the first user message.
func ChatName(firstMessage string) string {
	name := strings.Join(strings.Fields(firstMessage), " ")
	if name == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(name) <= MaxChatNameRunes {
		return name
	}
	return string([]rune(name)[:MaxChatNameRunes])
}

// shouldReplace reports whether incoming may overwrite a stored message.
// Complete accepts only complete. A partial snapshot never replaces an
// interrupted record, since a late periodic flush carries older content.
func shouldReplace(existing, incoming MessageStatus) bool {
	switch existing {
	case StatusComplete:
		return incoming == StatusComplete
	case StatusInterrupted:
		return incoming != StatusPartial
	default:
		return true
	}
}

func normalizeMessage(chatID, userID string, msg Message, now time.Time) (Message, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return Message{}, errors.Join(ErrInvalid, errors.New("message id is required"))
	}
	msg.ChatID = chatID
	msg.UserID = userID
	if msg.Status == "" {
		msg.Status = StatusComplete
	}
	switch msg.Status {
	case StatusComplete, StatusPartial, StatusInterrupted:
	default:
		return Message{}, errors.Join(ErrInvalid, errors.New("unknown message status "+string(msg.Status)))
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	return msg, nil
}

func ownedBy(chat Chat, userID string) error {
	if chat.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// tail keeps the last limit messages; limit <= 0 keeps all.
func tail(msgs []Message, limit int) []Message {
	if limit <= 0 || limit >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

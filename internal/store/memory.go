package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]Chat
	messages map[string]map[string]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]Chat),
		messages: make(map[string]map[string]Message),
	}
}

func (s *MemoryStore) EnsureChatExists(_ context.Context, chatID, userID, name string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat, ok := s.chats[chatID]; ok {
		if err := ownedBy(chat, userID); err != nil {
			return Chat{}, err
		}
		return chat, nil
	}
	now := time.Now().UTC()
	chat := Chat{ID: chatID, UserID: userID, Name: name, CreatedAt: now, UpdatedAt: now}
	s.chats[chatID] = chat
	return chat, nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID, userID string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	if err := ownedBy(chat, userID); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *MemoryStore) SetActiveFilter(_ context.Context, chatID, userID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if err := ownedBy(chat, userID); err != nil {
		return err
	}
	chat.ActiveFilterID = filterID
	chat.UpdatedAt = time.Now().UTC()
	s.chats[chatID] = chat
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, chatID, userID string, msg Message) error {
	msg, err := normalizeMessage(chatID, userID, msg, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if err := ownedBy(chat, userID); err != nil {
		return err
	}
	byID := s.messages[chatID]
	if byID == nil {
		byID = make(map[string]Message)
		s.messages[chatID] = byID
	}
	if existing, ok := byID[msg.ID]; ok {
		if !shouldReplace(existing.Status, msg.Status) {
			return nil
		}
		msg.CreatedAt = existing.CreatedAt
	}
	msg.Sections = maps.Clone(msg.Sections)
	byID[msg.ID] = msg
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID, userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := ownedBy(chat, userID); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		m.Sections = maps.Clone(m.Sections)
		out = append(out, m)
	}
	sortMessages(out)
	return tail(out, limit), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if err := ownedBy(chat, userID); err != nil {
		return err
	}
	if _, ok := s.messages[chatID][messageID]; !ok {
		return ErrNotFound
	}
	delete(s.messages[chatID], messageID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusErrored     Status = "errored"
	StatusExpired     Status = "expired"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrDuplicate   = errors.New("session already active")
	ErrMaxDuration = errors.New("stream exceeded maximum duration")
	ErrCancelled   = errors.New("stream cancelled by request")
)

// Session is one live streamed response.
type Session struct {
	ID             string     `json:"session_id"`
	ChatID         string     `json:"chat_id"`
	UserID         string     `json:"user_id"`
	MessageID      string     `json:"message_id,omitempty"`
	Status         Status     `json:"status"`
	Tokens         int        `json:"tokens"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Info identifies a stream being registered. An empty ID is replaced with a
// fresh UUID.
type Info struct {
	ID        string
	ChatID    string
	UserID    string
	MessageID string
}

type entry struct {
	s      Session
	cancel context.CancelCauseFunc
}

// Manager tracks live streams and enforces the maximum stream duration.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	maxDuration time.Duration
	retention   time.Duration
	onExpire    func(*Session)
}

func NewManager(maxDuration time.Duration) *Manager {
	if maxDuration <= 0 {
		maxDuration = 5 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*entry),
		maxDuration: maxDuration,
		retention:   time.Minute,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Start registers a stream and returns a context that is cancelled when the
// stream is cancelled, expires, or parent is done. context.Cause reports
// ErrCancelled or ErrMaxDuration for the first two.
func (m *Manager) Start(parent context.Context, info Info) (context.Context, *Session, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[info.ID]; ok && e.s.Status == StatusActive {
		return nil, nil, ErrDuplicate
	}
	ctx, cancel := context.WithCancelCause(parent)
	e := &entry{
		s: Session{
			ID:             info.ID,
			ChatID:         info.ChatID,
			UserID:         info.UserID,
			MessageID:      info.MessageID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}
	m.sessions[info.ID] = e
	return ctx, clone(&e.s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.s), nil
}

// Touch records that tokens more tokens were streamed.
func (m *Manager) Touch(sessionID string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.s.Tokens += tokens
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// Cancel stops an active stream. A nil cause defaults to ErrCancelled.
func (m *Manager) Cancel(sessionID string, cause error) error {
	if cause == nil {
		cause = ErrCancelled
	}
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel(cause)
	return nil
}

// End marks a stream finished and releases its context. Ending an already
// ended stream keeps the first status.
func (m *Manager) End(sessionID string, status Status) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.s.Status == StatusActive {
		now := time.Now().UTC()
		e.s.Status = status
		e.s.LastActivityAt = now
		e.s.EndedAt = &now
	}
	e.cancel(context.Canceled)
	return clone(&e.s), nil
}

// List returns every tracked stream, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireOverdue() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.s.Status != StatusActive {
			if e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.s.StartedAt) < m.maxDuration {
			continue
		}
		e.s.Status = StatusExpired
		e.s.LastActivityAt = now
		e.s.EndedAt = &now
		e.cancel(ErrMaxDuration)
		expired = append(expired, clone(&e.s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

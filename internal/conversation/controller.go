// Package conversation reassembles streamed turns into chat messages and owns
// the single active stream of a client.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/markup"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/store"
	"github.com/antoniostano/chatstream/internal/streamclient"
)

const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
	persistTimeout         = 10 * time.Second
)

var (
	ErrStopped         = errors.New("stream stopped")
	ErrSuperseded      = errors.New("stream superseded by a newer turn")
	ErrShutdown        = errors.New("controller shutting down")
	ErrBusy            = errors.New("chat has an active stream")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotAssistant    = errors.New("only assistant messages can be regenerated")
)

// Streamer runs one turn against the proxy.
type Streamer interface {
	Stream(ctx context.Context, req protocol.StreamRequest, onChunk streamclient.Handler) (protocol.Chunk, error)
}

// Persister stores messages through the proxy API.
type Persister interface {
	SaveMessage(ctx context.Context, userID, chatID string, msg store.Message) error
	ListMessages(ctx context.Context, userID, chatID string, limit int) ([]store.Message, error)
	DeleteMessage(ctx context.Context, userID, chatID, messageID string) error
}

// Update is delivered after every chunk that changed the streaming message.
type Update struct {
	ChatID  string
	Chunk   protocol.Chunk
	Message Message
}

// Config wires a Controller. UserID is the identity every call runs as.
type Config struct {
	UserID        string
	Tools         []protocol.Tool
	FlushInterval time.Duration
	Logger        *zap.Logger
	OnUpdate      func(Update)
}

// SendOptions are per-turn request extras.
type SendOptions struct {
	Tools          []protocol.Tool
	FilterID       string
	FilterSnapshot json.RawMessage
}

// Result is how a turn ended, available once its final save was attempted.
type Result struct {
	ChatID    string
	MessageID string
	State     State
	Content   string
	Err       error
	Retryable bool
	Saved     bool
}

// ActiveSession is the single in-flight turn. Cancel stops it; Wait blocks
// until its final save was attempted.
type ActiveSession struct {
	ChatID    string
	MessageID string

	cancel context.CancelCauseFunc
	done   chan struct{}
	result Result
}

// Cancel aborts the turn with ErrStopped.
func (a *ActiveSession) Cancel() {
	a.cancel(ErrStopped)
}

func (a *ActiveSession) Done() <-chan struct{} {
	return a.done
}

// Wait returns the turn result, or ctx's error if ctx ends first.
func (a *ActiveSession) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Controller manages the conversations of one user.
type Controller struct {
	streamer      Streamer
	persister     Persister
	userID        string
	tools         []protocol.Tool
	flushInterval time.Duration
	logger        *zap.Logger
	onUpdate      func(Update)

	startMu sync.Mutex
	mu      sync.Mutex
	convs   map[string]*Conversation
	active  *ActiveSession
	closed  bool
}

func NewController(streamer Streamer, persister Persister, cfg Config) *Controller {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		streamer:      streamer,
		persister:     persister,
		userID:        cfg.UserID,
		tools:         cfg.Tools,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		onUpdate:      cfg.OnUpdate,
		convs:         make(map[string]*Conversation),
	}
}

// Conversation returns a snapshot of chatID.
func (c *Controller) Conversation(chatID string) Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[chatID]
	if !ok {
		return Conversation{ChatID: chatID, State: StateIdle}
	}
	return conv.clone()
}

// Active returns the in-flight turn, if any.
func (c *Controller) Active() *ActiveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Load replaces the local state of chatID with its persisted messages. A
// chat the proxy does not know yet loads empty.
func (c *Controller) Load(ctx context.Context, chatID string) (Conversation, error) {
	if a := c.Active(); a != nil && a.ChatID == chatID {
		return Conversation{}, ErrBusy
	}
	stored, err := c.persister.ListMessages(ctx, c.userID, chatID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Conversation{}, fmt.Errorf("load chat %s: %w", chatID, err)
	}

	conv := &Conversation{ChatID: chatID, State: StateIdle}
	for _, m := range stored {
		conv.Messages = append(conv.Messages, fromStored(m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.active; a != nil && a.ChatID == chatID {
		return Conversation{}, ErrBusy
	}
	c.convs[chatID] = conv
	return conv.clone(), nil
}

// Send appends a user message to chatID and streams the reply. Any active
// turn, in any chat, is aborted and saved first.
func (c *Controller) Send(ctx context.Context, chatID, text string, opts SendOptions) (*ActiveSession, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if err := c.abortActive(ctx, ErrSuperseded); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	conv := c.conversation(chatID)
	conv.Messages = append(conv.Messages, Message{
		ID:             uuid.NewString(),
		Role:           protocol.RoleUser,
		Content:        text,
		Parsed:         markup.Parse(text),
		FilterID:       opts.FilterID,
		FilterSnapshot: opts.FilterSnapshot,
	})
	c.mu.Unlock()

	return c.startTurn(ctx, chatID, opts)
}

// Regenerate drops assistant message messageID and everything after it,
// locally and in the store, then streams a fresh reply to the same history.
func (c *Controller) Regenerate(ctx context.Context, chatID, messageID string) (*ActiveSession, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if err := c.abortActive(ctx, ErrSuperseded); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	conv := c.conversation(chatID)
	idx := conv.indexOf(messageID)
	if idx < 0 {
		c.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	if conv.Messages[idx].Role != protocol.RoleAssistant {
		c.mu.Unlock()
		return nil, ErrNotAssistant
	}
	removed := append([]Message(nil), conv.Messages[idx:]...)
	conv.Messages = conv.Messages[:idx]
	var opts SendOptions
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == protocol.RoleUser {
			opts.FilterID = conv.Messages[i].FilterID
			opts.FilterSnapshot = conv.Messages[i].FilterSnapshot
			break
		}
	}
	c.mu.Unlock()

	for _, m := range removed {
		err := c.persister.DeleteMessage(ctx, c.userID, chatID, m.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("delete message %s: %w", m.ID, err)
		}
	}
	return c.startTurn(ctx, chatID, opts)
}

// Stop aborts the active turn and waits for its interrupted save.
func (c *Controller) Stop(ctx context.Context) error {
	return c.abortActive(ctx, ErrStopped)
}

// Shutdown stops accepting turns and synchronously saves the active one.
// It waits at most DefaultShutdownTimeout when ctx has no deadline.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}
	return c.abortActive(ctx, ErrShutdown)
}

// abortActive cancels the active turn with cause and waits for it.
func (c *Controller) abortActive(ctx context.Context, cause error) error {
	a := c.Active()
	if a == nil {
		return nil
	}
	a.cancel(cause)
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conversation returns the state of chatID, creating it. c.mu must be held.
func (c *Controller) conversation(chatID string) *Conversation {
	conv, ok := c.convs[chatID]
	if !ok {
		conv = &Conversation{ChatID: chatID, State: StateIdle}
		c.convs[chatID] = conv
	}
	return conv
}

func (c *Controller) startTurn(ctx context.Context, chatID string, opts SendOptions) (*ActiveSession, error) {
	tools := opts.Tools
	if tools == nil {
		tools = c.tools
	}

	c.mu.Lock()
	conv := c.conversation(chatID)
	if n := len(conv.Messages); n == 0 || conv.Messages[n-1].Role != protocol.RoleUser {
		c.mu.Unlock()
		return nil, errors.New("conversation must end with a user message")
	}
	req := protocol.StreamRequest{
		ChatID:             chatID,
		Auth:               protocol.Auth{UserID: c.userID},
		Messages:           conv.history(),
		Tools:              tools,
		RequestTimestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		AssistantMessageID: uuid.NewString(),
	}
	conv.Messages = append(conv.Messages, Message{
		ID:             req.AssistantMessageID,
		Role:           protocol.RoleAssistant,
		IsStreaming:    true,
		Parsed:         markup.Parse(""),
		FilterID:       opts.FilterID,
		FilterSnapshot: opts.FilterSnapshot,
	})
	conv.State = StateStreaming

	turnCtx, cancel := context.WithCancelCause(ctx)
	a := &ActiveSession{
		ChatID:    chatID,
		MessageID: req.AssistantMessageID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.active = a
	c.mu.Unlock()

	t := &turn{
		c:       c,
		session: a,
		top:     markup.NewBuilder(),
		builder: make(map[string]*markup.Builder),
		logger: c.logger.With(
			zap.String("chat_id", chatID),
			zap.String("message_id", req.AssistantMessageID),
		),
	}
	go t.run(turnCtx, req)
	return a, nil
}

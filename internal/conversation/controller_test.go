package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/store"
	"github.com/antoniostano/chatstream/internal/streamclient"
)

type scriptFunc func(ctx context.Context, req protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error)

type scriptStreamer struct {
	mu     sync.Mutex
	calls  []protocol.StreamRequest
	script scriptFunc
}

func (s *scriptStreamer) Stream(ctx context.Context, req protocol.StreamRequest, onChunk streamclient.Handler) (protocol.Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	script := s.script
	s.mu.Unlock()
	return script(ctx, req, onChunk)
}

func (s *scriptStreamer) requests() []protocol.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.StreamRequest(nil), s.calls...)
}

type memPersister struct {
	mu      sync.Mutex
	saved   []store.Message
	deleted []string
	stored  []store.Message
	listErr error
	onSave  func(store.Message)
}

func (p *memPersister) SaveMessage(_ context.Context, _, _ string, msg store.Message) error {
	p.mu.Lock()
	p.saved = append(p.saved, msg)
	hook := p.onSave
	p.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (p *memPersister) ListMessages(context.Context, string, string, int) ([]store.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]store.Message(nil), p.stored...), p.listErr
}

func (p *memPersister) DeleteMessage(_ context.Context, _, _, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, messageID)
	return nil
}

// savesOf returns the saves of messageID, in order.
func (p *memPersister) savesOf(messageID string) []store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []store.Message
	for _, m := range p.saved {
		if m.ID == messageID {
			out = append(out, m)
		}
	}
	return out
}

func chunk(payload protocol.Payload) protocol.Chunk {
	return protocol.NewChunk("s-1", payload)
}

func token(tok string, index int, section string) protocol.Chunk {
	return chunk(protocol.TokenData{Token: tok, Index: index, Section: section})
}

func emitAll(emit streamclient.Handler, chunks ...protocol.Chunk) error {
	for _, c := range chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

func newController(t *testing.T, s Streamer, p Persister) *Controller {
	t.Helper()
	return NewController(s, p, Config{UserID: "u1", FlushInterval: time.Hour, Logger: zaptest.NewLogger(t)})
}

func wait(t *testing.T, a *ActiveSession) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Wait(ctx)
	require.NoError(t, err)
	return res
}

// blockAfter emits chunks, signals ready, then blocks until ctx ends.
func blockAfter(ready chan<- struct{}, chunks ...protocol.Chunk) scriptFunc {
	return func(ctx context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		if err := emitAll(emit, chunks...); err != nil {
			return protocol.Chunk{}, err
		}
		close(ready)
		<-ctx.Done()
		return protocol.Chunk{}, ctx.Err()
	}
}

func TestSendCompletesAndPersistsOnce(t *testing.T) {
	s := &scriptStreamer{script: func(_ context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		done := chunk(protocol.CompleteData{FinalContent: "Hello **there**"})
		err := emitAll(emit,
			chunk(protocol.StartData{PromptTokens: 1}),
			chunk(protocol.SectionData{Section: "answer", Action: protocol.SectionStart}),
			token("Hello ", 1, "answer"),
			token("**there**", 2, "answer"),
			chunk(protocol.SectionData{Section: "answer", Action: protocol.SectionEnd}),
			done,
		)
		return done, err
	}}
	p := &memPersister{}
	var updates int
	c := NewController(s, p, Config{UserID: "u1", Logger: zaptest.NewLogger(t), OnUpdate: func(Update) { updates++ }})

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	res := wait(t, a)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hello **there**", res.Content)
	assert.True(t, res.Saved)
	assert.Greater(t, updates, 0)

	saves := p.savesOf(a.MessageID)
	require.Len(t, saves, 1)
	assert.Equal(t, store.StatusComplete, saves[0].Status)
	assert.Equal(t, "Hello **there**", saves[0].Content)

	conv := c.Conversation("chat-1")
	assert.Equal(t, StateIdle, conv.State)
	assert.Equal(t, StateCompleted, conv.LastOutcome)
	require.Len(t, conv.Messages, 2)
	msg := conv.Messages[1]
	assert.False(t, msg.IsStreaming)
	assert.False(t, msg.IsInterrupted)
	assert.Equal(t, "s-1", msg.SessionID)
	assert.Equal(t, "Hello there", msg.Parsed.PlainText)
	require.Contains(t, msg.Sections, "answer")
	assert.Equal(t, "Hello **there**", msg.Sections["answer"].Content)
	assert.True(t, msg.Sections["answer"].Closed)

	req := s.requests()[0]
	assert.Equal(t, a.MessageID, req.AssistantMessageID)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
	assert.Equal(t, "u1", req.Auth.UserID)
	assert.Nil(t, c.Active())
}

func TestTruncatedStreamIsInterrupted(t *testing.T) {
	s := &scriptStreamer{script: func(_ context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		if err := emit(chunk(protocol.TokenData{Token: "foo"})); err != nil {
			return protocol.Chunk{}, err
		}
		return protocol.Chunk{}, streamclient.ErrTruncated
	}}
	p := &memPersister{}
	c := newController(t, s, p)

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	res := wait(t, a)

	assert.Equal(t, StateInterrupted, res.State)
	assert.True(t, res.Retryable)
	msg := c.Conversation("chat-1").Messages[1]
	assert.Equal(t, "foo", msg.Content)
	assert.True(t, msg.IsInterrupted)
	assert.False(t, msg.IsStreaming)

	saves := p.savesOf(a.MessageID)
	require.Len(t, saves, 1)
	assert.Equal(t, store.StatusInterrupted, saves[0].Status)
	assert.Equal(t, "foo", saves[0].Content)
}

func TestStopPersistsFirstTokensAsInterrupted(t *testing.T) {
	ready := make(chan struct{})
	s := &scriptStreamer{script: blockAfter(ready,
		token("one ", 1, ""),
		token("two ", 2, ""),
		token("three", 3, ""),
	)}
	p := &memPersister{}
	c := newController(t, s, p)

	a, err := c.Send(context.Background(), "chat-1", "count", SendOptions{})
	require.NoError(t, err)
	<-ready
	require.NoError(t, c.Stop(context.Background()))

	res := wait(t, a)
	assert.Equal(t, StateInterrupted, res.State)
	assert.ErrorIs(t, res.Err, ErrStopped)

	saves := p.savesOf(a.MessageID)
	require.Len(t, saves, 1)
	assert.Equal(t, "one two three", saves[0].Content)
	assert.Equal(t, store.StatusInterrupted, saves[0].Status)
	assert.True(t, c.Conversation("chat-1").Messages[1].IsInterrupted)
}

func TestSendAbortsActiveStreamFirst(t *testing.T) {
	readyA := make(chan struct{})
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	s := &scriptStreamer{}
	s.script = func(ctx context.Context, req protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		record("stream " + req.ChatID)
		if req.ChatID == "chat-a" {
			return blockAfter(readyA, token("partial", 1, ""))(ctx, req, emit)
		}
		done := chunk(protocol.CompleteData{FinalContent: "b"})
		return done, emitAll(emit, token("b", 1, ""), done)
	}
	p := &memPersister{onSave: func(m store.Message) { record("save " + string(m.Status)) }}
	c := newController(t, s, p)

	first, err := c.Send(context.Background(), "chat-a", "first", SendOptions{})
	require.NoError(t, err)
	<-readyA
	second, err := c.Send(context.Background(), "chat-b", "second", SendOptions{})
	require.NoError(t, err)

	resA := wait(t, first)
	resB := wait(t, second)
	assert.Equal(t, StateInterrupted, resA.State)
	assert.ErrorIs(t, resA.Err, ErrSuperseded)
	assert.Equal(t, StateCompleted, resB.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stream chat-a", "save interrupted", "stream chat-b", "save complete"}, events)
}

func TestErrorChunkEndsTurn(t *testing.T) {
	s := &scriptStreamer{script: func(_ context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		fail := chunk(protocol.ErrorData{Error: protocol.ErrorInfo{Message: "too slow", Code: "stream_timeout", Recoverable: true}})
		return fail, emitAll(emit, token("half", 1, ""), fail)
	}}
	p := &memPersister{}
	c := newController(t, s, p)

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	res := wait(t, a)

	assert.Equal(t, StateErrored, res.State)
	assert.True(t, res.Retryable)
	var info protocol.ErrorInfo
	require.ErrorAs(t, res.Err, &info)
	assert.Equal(t, "stream_timeout", info.Code)

	msg := c.Conversation("chat-1").Messages[1]
	assert.True(t, msg.IsInterrupted)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "half", msg.Content)
	require.Len(t, p.savesOf(a.MessageID), 1)
	assert.Equal(t, store.StatusInterrupted, p.savesOf(a.MessageID)[0].Status)
}

func TestCumulativeContentResyncsAndSectionsDegrade(t *testing.T) {
	s := &scriptStreamer{script: func(_ context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		done := chunk(protocol.CompleteData{FinalContent: "aXbc"})
		err := emitAll(emit,
			chunk(protocol.SectionData{Section: "tool-t", Action: protocol.SectionStart}),
			token("| x |", 1, "tool-t"),
			chunk(protocol.SectionData{Section: "tool-t", Action: protocol.SectionEnd}),
			token("a", 2, "tool-h"),
			chunk(protocol.TokenData{Token: "b", Index: 3, CumulativeContent: protocol.Strptr("aXb")}),
			token("c", 4, ""),
			done,
		)
		return done, err
	}}
	c := newController(t, s, &memPersister{})

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	res := wait(t, a)

	assert.Equal(t, "aXbc", res.Content)
	msg := c.Conversation("chat-1").Messages[1]
	assert.Equal(t, "| x |", msg.Sections["tool-t"].Content)
	assert.NotContains(t, msg.Sections, "tool-h")
}

func TestPeriodicFlushSavesPartialSnapshots(t *testing.T) {
	flushed := make(chan struct{})
	var once sync.Once
	p := &memPersister{onSave: func(m store.Message) {
		if m.Status == store.StatusPartial {
			once.Do(func() { close(flushed) })
		}
	}}
	s := &scriptStreamer{script: func(ctx context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		if err := emit(token("draft", 1, "")); err != nil {
			return protocol.Chunk{}, err
		}
		select {
		case <-flushed:
		case <-ctx.Done():
			return protocol.Chunk{}, ctx.Err()
		}
		done := chunk(protocol.CompleteData{FinalContent: "draft done"})
		return done, emitAll(emit, token(" done", 2, ""), done)
	}}
	c := NewController(s, p, Config{UserID: "u1", FlushInterval: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	res := wait(t, a)
	require.Equal(t, StateCompleted, res.State)

	saves := p.savesOf(a.MessageID)
	require.GreaterOrEqual(t, len(saves), 2)
	assert.Equal(t, store.StatusPartial, saves[0].Status)
	assert.Equal(t, "draft", saves[0].Content)
	last := saves[len(saves)-1]
	assert.Equal(t, store.StatusComplete, last.Status)
	assert.Equal(t, "draft done", last.Content)
	for _, m := range saves[:len(saves)-1] {
		assert.Equal(t, store.StatusPartial, m.Status)
	}
}

func TestRegenerateTruncatesAndRestreams(t *testing.T) {
	p := &memPersister{stored: []store.Message{
		{ID: "u-1", Role: "user", Content: "hi", Status: store.StatusComplete, FilterID: "f1"},
		{ID: "a-1", Role: "assistant", Content: "old answer", Status: store.StatusComplete},
		{ID: "u-2", Role: "user", Content: "more", Status: store.StatusComplete},
	}}
	s := &scriptStreamer{script: func(_ context.Context, _ protocol.StreamRequest, emit streamclient.Handler) (protocol.Chunk, error) {
		done := chunk(protocol.CompleteData{FinalContent: "new answer"})
		return done, emitAll(emit, token("new answer", 1, ""), done)
	}}
	c := newController(t, s, p)

	conv, err := c.Load(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)

	_, err = c.Regenerate(context.Background(), "chat-1", "u-1")
	require.ErrorIs(t, err, ErrNotAssistant)
	_, err = c.Regenerate(context.Background(), "chat-1", "nope")
	require.ErrorIs(t, err, ErrMessageNotFound)

	a, err := c.Regenerate(context.Background(), "chat-1", "a-1")
	require.NoError(t, err)
	res := wait(t, a)
	require.Equal(t, StateCompleted, res.State)

	assert.Equal(t, []string{"a-1", "u-2"}, p.deleted)
	req := s.requests()[0]
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "u-1", req.Messages[0].ID)
	assert.NotEqual(t, "a-1", req.AssistantMessageID)

	msgs := c.Conversation("chat-1").Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "new answer", msgs[1].Content)
	assert.Equal(t, "f1", msgs[1].FilterID)
}

func TestShutdownSavesActiveTurnAndRejectsNewOnes(t *testing.T) {
	ready := make(chan struct{})
	s := &scriptStreamer{script: blockAfter(ready, token("unsaved", 1, ""))}
	p := &memPersister{}
	c := newController(t, s, p)

	a, err := c.Send(context.Background(), "chat-1", "hi", SendOptions{})
	require.NoError(t, err)
	<-ready

	require.NoError(t, c.Shutdown(context.Background()))
	saves := p.savesOf(a.MessageID)
	require.Len(t, saves, 1)
	assert.Equal(t, "unsaved", saves[0].Content)
	assert.Equal(t, store.StatusInterrupted, saves[0].Status)

	_, err = c.Send(context.Background(), "chat-1", "again", SendOptions{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestLoad(t *testing.T) {
	p := &memPersister{listErr: store.ErrNotFound}
	c := newController(t, &scriptStreamer{}, p)

	conv, err := c.Load(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)

	p.listErr = nil
	p.stored = []store.Message{
		{ID: "a", Role: "assistant", Content: "| h |\n|---|\n| 1 |\n", Status: store.StatusInterrupted, Sections: map[string]string{"tool-t": "| h |"}},
	}
	conv, err = c.Load(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsInterrupted)
	assert.Len(t, conv.Messages[0].Parsed.Tables, 1)
	assert.True(t, conv.Messages[0].Sections["tool-t"].Closed)

	p.listErr = errors.New("boom")
	_, err = c.Load(context.Background(), "chat-2")
	assert.Error(t, err)
}

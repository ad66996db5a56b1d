package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antoniostano/chatstream/internal/generator"
	"github.com/antoniostano/chatstream/internal/observability"
	"github.com/antoniostano/chatstream/internal/producer"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/store"
)

// fakeUpstream serves a fixed body. With hold set it keeps the stream open
// until the turn context is done.
type fakeUpstream struct {
	body string
	hold bool
	err  error

	mu     sync.Mutex
	got    protocol.StreamRequest
	closed bool
}

func (u *fakeUpstream) Open(ctx context.Context, req protocol.StreamRequest) (io.ReadCloser, error) {
	u.mu.Lock()
	u.got = req
	u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	pr, pw := io.Pipe()
	go func() {
		if _, err := io.WriteString(pw, u.body); err != nil {
			return
		}
		if u.hold {
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
			return
		}
		_ = pw.Close()
	}()
	return &trackedBody{ReadCloser: pr, onClose: func() {
		u.mu.Lock()
		u.closed = true
		u.mu.Unlock()
	}}, nil
}

func (u *fakeUpstream) request() protocol.StreamRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.got
}

func (u *fakeUpstream) wasClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

type trackedBody struct {
	io.ReadCloser
	onClose func()
}

func (b *trackedBody) Close() error {
	b.onClose()
	return b.ReadCloser.Close()
}

type lineSink struct {
	lines   []string
	failAt  int
	onWrite func(n int)
}

func (s *lineSink) WriteLine(line []byte) error {
	if s.failAt > 0 && len(s.lines)+1 >= s.failAt {
		return errors.New("client went away")
	}
	s.lines = append(s.lines, string(line))
	if s.onWrite != nil {
		s.onWrite(len(s.lines))
	}
	return nil
}

// countingStore counts saves per role and can fail the first assistant saves.
type countingStore struct {
	store.Store

	mu            sync.Mutex
	saves         map[string]int
	failAssistant int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: store.NewMemoryStore(), saves: make(map[string]int)}
}

func (s *countingStore) SaveMessage(ctx context.Context, chatID, userID string, msg store.Message) error {
	s.mu.Lock()
	s.saves[msg.Role]++
	fail := msg.Role == "assistant" && s.failAssistant > 0
	if fail {
		s.failAssistant--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return s.Store.SaveMessage(ctx, chatID, userID, msg)
}

func (s *countingStore) count(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[role]
}

func chunkLine(t *testing.T, payload protocol.Payload) string {
	t.Helper()
	raw, err := json.Marshal(protocol.NewChunk("s1", payload))
	require.NoError(t, err)
	return string(raw)
}

func tokenLine(t *testing.T, tok string, index int) string {
	return chunkLine(t, protocol.TokenData{Token: tok, Index: index, Section: protocol.SectionAnswer})
}

func streamRequest() protocol.StreamRequest {
	return protocol.StreamRequest{
		ChatID: "chat-1",
		Auth:   protocol.Auth{UserID: "u1"},
		Messages: []protocol.Message{
			{ID: "m1", Role: protocol.RoleUser, Content: "compare the plans"},
		},
		AssistantMessageID: "a1",
	}
}

func newTestProxy(t *testing.T, up Upstream, st store.Store, metrics *observability.Metrics) *Proxy {
	t.Helper()
	return New(Config{
		Upstream:  up,
		Store:     st,
		RetryBase: time.Millisecond,
		Logger:    zaptest.NewLogger(t),
		Metrics:   metrics,
	})
}

func assistantMessage(t *testing.T, st store.Store) store.Message {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), "chat-1", "u1", 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Role == "assistant" {
			return m
		}
	}
	t.Fatalf("no assistant message in %v", msgs)
	return store.Message{}
}

func TestStreamPreservesOrderWithMalformedLines(t *testing.T) {
	lines := []string{
		chunkLine(t, protocol.StartData{PromptTokens: 3}),
		"not json at all",
		tokenLine(t, "foo", 1),
		`{"chunkType":"token","data":`,
		tokenLine(t, "bar", 2),
		`{"chunkType":"mystery","data":{}}`,
		chunkLine(t, protocol.CompleteData{FinalContent: "foobar", TotalTokens: 2}),
	}
	up := &fakeUpstream{body: strings.Join(lines, "\n") + "\n"}
	st := newCountingStore()
	sink := &lineSink{}
	metrics := observability.NewMetrics("test")

	res, err := newTestProxy(t, up, st, metrics).Stream(context.Background(), streamRequest(), sink)
	require.NoError(t, err)

	assert.Equal(t, lines, sink.lines)
	assert.Equal(t, 3, res.Malformed)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.MalformedLines.WithLabelValues("proxy")))
	assert.Equal(t, store.StatusComplete, res.Status)
	assert.True(t, res.Saved)
	assert.Equal(t, "s1", res.SessionID)

	assert.Equal(t, 1, st.count("assistant"))
	assert.Equal(t, 1, st.count("user"))
	msg := assistantMessage(t, st)
	assert.Equal(t, "foobar", msg.Content)
	assert.Equal(t, store.StatusComplete, msg.Status)
	assert.Equal(t, map[string]string{"answer": "foobar"}, msg.Sections)
}

func TestStreamDropsOversizeLineAndKeepsForwarding(t *testing.T) {
	start := chunkLine(t, protocol.StartData{PromptTokens: 1})
	token := tokenLine(t, "ok", 1)
	complete := chunkLine(t, protocol.CompleteData{FinalContent: "ok", TotalTokens: 1})
	oversize := strings.Repeat("x", protocol.MaxLineBytes+1)
	up := &fakeUpstream{body: strings.Join([]string{start, oversize, token, complete}, "\n") + "\n"}
	st := newCountingStore()
	sink := &lineSink{}

	res, err := newTestProxy(t, up, st, nil).Stream(context.Background(), streamRequest(), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{start, token, complete}, sink.lines)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, store.StatusComplete, res.Status)
	assert.Equal(t, "ok", assistantMessage(t, st).Content)
}

func TestStreamSavesUserSideBeforeForwarding(t *testing.T) {
	up := &fakeUpstream{body: chunkLine(t, protocol.CompleteData{FinalContent: ""}) + "\n"}
	st := newCountingStore()
	req := streamRequest()
	req.Messages[0].FilterID = "f-9"
	req.Messages[0].FilterSnapshot = json.RawMessage(`{"region":"eu"}`)

	_, err := newTestProxy(t, up, st, nil).Stream(context.Background(), req, &lineSink{})
	require.NoError(t, err)

	chat, err := st.GetChat(context.Background(), "chat-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "compare the plans", chat.Name)
	assert.Equal(t, "f-9", chat.ActiveFilterID)

	msgs, err := st.ListMessages(context.Background(), "chat-1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.JSONEq(t, `{"region":"eu"}`, string(msgs[0].FilterSnapshot))
	assert.Equal(t, "f-9", msgs[1].FilterID)
}

func TestStreamForbiddenChatForwardsNothing(t *testing.T) {
	st := newCountingStore()
	_, err := st.EnsureChatExists(context.Background(), "chat-1", "someone-else", "theirs")
	require.NoError(t, err)
	up := &fakeUpstream{body: tokenLine(t, "x", 1) + "\n"}
	sink := &lineSink{}

	_, err = newTestProxy(t, up, st, nil).Stream(context.Background(), streamRequest(), sink)
	require.ErrorIs(t, err, store.ErrForbidden)
	assert.Empty(t, sink.lines)
	assert.Zero(t, st.count("assistant"))
	assert.Empty(t, up.request().ChatID, "upstream must not be opened")
}

func TestStreamMintsAssistantMessageID(t *testing.T) {
	up := &fakeUpstream{body: chunkLine(t, protocol.CompleteData{FinalContent: "ok"}) + "\n"}
	req := streamRequest()
	req.AssistantMessageID = ""

	res, err := newTestProxy(t, up, newCountingStore(), nil).Stream(context.Background(), req, &lineSink{})
	require.NoError(t, err)
	require.NotEmpty(t, res.MessageID)
	assert.Equal(t, res.MessageID, up.request().AssistantMessageID)
}

func TestStreamMintsMissingMessageIDs(t *testing.T) {
	up := &fakeUpstream{body: chunkLine(t, protocol.CompleteData{FinalContent: "hello"}) + "\n"}
	st := newCountingStore()
	req := streamRequest()
	req.Messages = []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}

	_, err := newTestProxy(t, up, st, nil).Stream(context.Background(), req, &lineSink{})
	require.NoError(t, err)

	forwarded := up.request().Messages
	require.Len(t, forwarded, 1)
	require.NotEmpty(t, forwarded[0].ID)
	assert.Empty(t, req.Messages[0].ID)

	msgs, err := st.ListMessages(context.Background(), "chat-1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	var user store.Message
	for _, m := range msgs {
		if m.Role == "user" {
			user = m
		}
	}
	assert.Equal(t, forwarded[0].ID, user.ID)
	assert.Equal(t, "hi", user.Content)
}

func TestStreamForwardsTrailingLineWithoutNewline(t *testing.T) {
	body := chunkLine(t, protocol.StartData{}) + "\n" + `{"chunkType":"token","data":{"token":"foo"}}`
	up := &fakeUpstream{body: body}
	st := newCountingStore()
	sink := &lineSink{}

	res, err := newTestProxy(t, up, st, nil).Stream(context.Background(), streamRequest(), sink)
	require.NoError(t, err)

	require.Len(t, sink.lines, 2)
	assert.Equal(t, `{"chunkType":"token","data":{"token":"foo"}}`, sink.lines[1])
	assert.Equal(t, store.StatusInterrupted, res.Status)
	msg := assistantMessage(t, st)
	assert.Equal(t, "foo", msg.Content)
	assert.Equal(t, store.StatusInterrupted, msg.Status)
}

func TestStreamDownstreamDisconnectSkipsSave(t *testing.T) {
	lines := []string{
		chunkLine(t, protocol.StartData{}),
		tokenLine(t, "a", 1),
		tokenLine(t, "b", 2),
		tokenLine(t, "c", 3),
	}
	up := &fakeUpstream{body: strings.Join(lines, "\n") + "\n", hold: true}
	st := newCountingStore()
	sink := &lineSink{failAt: 3}

	res, err := newTestProxy(t, up, st, nil).Stream(context.Background(), streamRequest(), sink)
	require.NoError(t, err)
	assert.True(t, res.Disconnected)
	assert.False(t, res.Saved)
	assert.Len(t, sink.lines, 2)
	assert.Zero(t, st.count("assistant"))
	assert.True(t, up.wasClosed())
}

func TestStreamContextCancelStopsForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := &fakeUpstream{body: chunkLine(t, protocol.StartData{}) + "\n" + tokenLine(t, "a", 1) + "\n", hold: true}
	st := newCountingStore()
	sink := &lineSink{onWrite: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	res, err := newTestProxy(t, up, st, nil).Stream(ctx, streamRequest(), sink)
	require.NoError(t, err)
	assert.True(t, res.Disconnected)
	assert.Len(t, sink.lines, 2)
	assert.Zero(t, st.count("assistant"))
}

func TestCancelSavesInterruptedTurn(t *testing.T) {
	up := &fakeUpstream{body: chunkLine(t, protocol.StartData{}) + "\n" + tokenLine(t, "partial", 1) + "\n", hold: true}
	st := newCountingStore()
	var p *Proxy
	sink := &lineSink{onWrite: func(n int) {
		if n == 2 {
			require.NoError(t, p.Cancel("a1"))
		}
	}}
	p = newTestProxy(t, up, st, nil)

	res, err := p.Stream(context.Background(), streamRequest(), sink)
	require.NoError(t, err)
	assert.False(t, res.Disconnected)
	assert.True(t, res.Saved)
	msg := assistantMessage(t, st)
	assert.Equal(t, "partial", msg.Content)
	assert.Equal(t, store.StatusInterrupted, msg.Status)
	assert.Equal(t, 1, st.count("assistant"))
}

func TestStreamKeepsFinalContentOnMismatch(t *testing.T) {
	lines := []string{
		tokenLine(t, "ab", 1),
		chunkLine(t, protocol.CompleteData{FinalContent: "abc", TotalTokens: 1}),
	}
	up := &fakeUpstream{body: strings.Join(lines, "\n") + "\n"}
	st := newCountingStore()
	metrics := observability.NewMetrics("test")

	_, err := newTestProxy(t, up, st, metrics).Stream(context.Background(), streamRequest(), &lineSink{})
	require.NoError(t, err)
	assert.Equal(t, "abc", assistantMessage(t, st).Content)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ContentMismatches))
}

func TestStreamRetriesFailedSave(t *testing.T) {
	body := chunkLine(t, protocol.CompleteData{FinalContent: "done"}) + "\n"

	st := newCountingStore()
	st.failAssistant = 2
	p := New(Config{
		Upstream:       &fakeUpstream{body: body},
		Store:          st,
		PersistRetries: 2,
		RetryBase:      time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	res, err := p.Stream(context.Background(), streamRequest(), &lineSink{})
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, 3, st.count("assistant"))

	noRetry := newCountingStore()
	noRetry.failAssistant = 1
	res, err = newTestProxy(t, &fakeUpstream{body: body}, noRetry, nil).Stream(context.Background(), streamRequest(), &lineSink{})
	require.NoError(t, err, "save failures are never escalated")
	assert.False(t, res.Saved)
	assert.Equal(t, 1, noRetry.count("assistant"))
}

func TestStreamUpstreamStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	st := newCountingStore()
	sink := &lineSink{}
	p := newTestProxy(t, NewHTTPUpstream(ts.URL, time.Second), st, nil)

	_, err := p.Stream(context.Background(), streamRequest(), sink)
	var statusErr *UpstreamStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.Retryable())
	assert.Empty(t, sink.lines)
	assert.Zero(t, st.count("assistant"))

	s, err := p.Sessions().Get("a1")
	require.NoError(t, err)
	assert.NotEqual(t, "active", string(s.Status))
}

func TestHTTPUpstreamPostsRequest(t *testing.T) {
	var got protocol.StreamRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, GeneratePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", protocol.ContentTypeNDJSON)
		_, _ = io.WriteString(w, `{"chunkType":"complete","data":{"finalContent":"hey","totalTokens":1,"usage":{"promptTokens":0,"completionTokens":1,"totalTokens":1}}}`+"\n")
	}))
	defer ts.Close()

	st := newCountingStore()
	res, err := newTestProxy(t, NewHTTPUpstream(ts.URL+"/", time.Second), st, nil).Stream(context.Background(), streamRequest(), &lineSink{})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", got.ChatID)
	assert.Equal(t, "a1", got.AssistantMessageID)
	assert.Equal(t, store.StatusComplete, res.Status)
	assert.Equal(t, "hey", assistantMessage(t, st).Content)
}

func TestLocalUpstreamRunsProducerInProcess(t *testing.T) {
	prod := producer.New(generator.NewMock(nil), nil, producer.Config{})
	st := newCountingStore()
	w := &lineSink{}

	res, err := newTestProxy(t, NewLocalUpstream(prod), st, nil).Stream(context.Background(), streamRequest(), w)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, res.Status)

	last, err := protocol.ParseLine([]byte(w.lines[len(w.lines)-1]))
	require.NoError(t, err)
	done, ok := last.Payload.(protocol.CompleteData)
	require.True(t, ok)
	assert.Equal(t, done.FinalContent, assistantMessage(t, st).Content)
	assert.NotEmpty(t, done.FinalContent)
}

func TestAccumulatorTracksSectionsAndGaps(t *testing.T) {
	acc := NewAccumulator()
	for _, line := range []string{
		chunkLine(t, protocol.MetadataData{Generator: "mock"}),
		chunkLine(t, protocol.TokenData{Token: "| a |", Index: 1, Section: protocol.ToolTable}),
		chunkLine(t, protocol.TokenData{Token: "Hi", Index: 3, Section: protocol.SectionAnswer}),
		chunkLine(t, protocol.TokenData{Token: "!", Index: 4}),
	} {
		_, err := acc.Observe([]byte(line))
		require.NoError(t, err)
	}
	_, err := acc.Observe([]byte("   "))
	assert.True(t, isEmptyLine(err))

	assert.False(t, acc.Completed())
	assert.Equal(t, "| a |Hi!", acc.Content())
	assert.Equal(t, map[string]string{protocol.ToolTable: "| a |", protocol.SectionAnswer: "Hi!"}, acc.Sections())
	assert.Equal(t, 1, acc.IndexGaps())
	assert.Equal(t, 3, acc.Tokens())
	assert.Equal(t, "mock", acc.Generator())
	assert.Equal(t, "s1", acc.SessionID())
}

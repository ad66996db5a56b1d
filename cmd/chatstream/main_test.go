package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antoniostano/chatstream/internal/app"
	"github.com/antoniostano/chatstream/internal/config"
	"github.com/antoniostano/chatstream/internal/conversation"
	"github.com/antoniostano/chatstream/internal/store"
)

func newTestService(t *testing.T) (*httptest.Server, *app.BuildResult) {
	t.Helper()
	cfg := config.Config{
		Role:                  config.RoleAll,
		MetricsNamespace:      "test_cmd",
		GeneratorMode:         "mock",
		PacingFloor:           time.Millisecond,
		PacingScale:           0,
		CumulativeEvery:       5,
		MaxStreamDuration:     time.Minute,
		UpstreamHeaderTimeout: time.Second,
	}
	built, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(built.API.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = built.Cleanup()
	})
	return ts, built
}

func TestChatCommandStreamsAndPersists(t *testing.T) {
	ts, built := newTestService(t)
	var stdout, stderr bytes.Buffer

	err := runChat(context.Background(), &stdout, &stderr, chatOptions{
		baseURL:       ts.URL,
		chatID:        "chat-1",
		userID:        "u1",
		flushInterval: time.Hour,
		logLevel:      "warn",
	}, "hello")
	require.NoError(t, err)

	msgs, err := built.Store.ListMessages(context.Background(), "chat-1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.StatusComplete, msgs[1].Status)
	assert.NotEmpty(t, msgs[1].Content)
	assert.Equal(t, msgs[1].Content+"\n", stdout.String())
}

func TestPerfCommandReplaysTurns(t *testing.T) {
	ts, _ := newTestService(t)
	var out bytes.Buffer

	opts := perfOptions{baseURL: ts.URL, userID: "perf", turns: 2, texts: []string{"hello"}, turnTimeout: 10 * time.Second}
	require.NoError(t, opts.validate())
	require.NoError(t, runPerf(context.Background(), &out, opts))
	assert.Contains(t, out.String(), "perf: turns=2 errored=0")
	assert.Contains(t, out.String(), "server stages")
}

func TestTokenPrinterPrintsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := &tokenPrinter{w: &buf}
	p.update("Hel")
	p.update("Hello")
	p.update("Help")
	p.finish("Help")
	assert.Equal(t, "Hello\nHelp\n", buf.String())
}

func TestReportOutcomes(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, report(&buf, conversation.Result{State: conversation.StateCompleted}))
	assert.Empty(t, buf.String())
	assert.NoError(t, report(&buf, conversation.Result{State: conversation.StateInterrupted, Saved: true}))
	assert.Contains(t, buf.String(), "interrupted, saved=true")
	assert.Error(t, report(&buf, conversation.Result{State: conversation.StateErrored, MessageID: "a1", Err: context.DeadlineExceeded}))
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://chat.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/base/v1/chat/ws", got)

	_, err = wsURLFor("ftp://x")
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	values := []time.Duration{40 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond}
	assert.Equal(t, 20*time.Millisecond, percentile(values, 0.5))
	assert.Equal(t, 40*time.Millisecond, percentile(values, 0.95))
	assert.Zero(t, percentile(nil, 0.5))
}

package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/chatstream/internal/markup"
	"github.com/antoniostano/chatstream/internal/protocol"
)

func userMessages(texts ...string) []protocol.Message {
	out := make([]protocol.Message, 0, len(texts))
	for i, text := range texts {
		out = append(out, protocol.Message{ID: string(rune('a' + i)), Role: protocol.RoleUser, Content: text})
	}
	return out
}

func TestNewSelectsMode(t *testing.T) {
	b, err := New(Config{Mode: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Name())

	b, err = New(Config{Mode: "auto", OpenAIAPIKey: "sk-test", OpenAIModel: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "openai:m1", b.Name())

	_, err = New(Config{Mode: "openai"})
	assert.Error(t, err)
	_, err = New(Config{Mode: "gateway"})
	assert.Error(t, err)
}

func TestNewMockSeed(t *testing.T) {
	msgs := userMessages("tell me about gardening")
	b, err := New(Config{Mode: "mock", Seed: 42})
	require.NoError(t, err)
	got, err := b.Generate(context.Background(), msgs)
	require.NoError(t, err)
	want, err := NewSeededMock(42).Generate(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	b, err = New(Config{Mode: "mock"})
	require.NoError(t, err)
	m, ok := b.(*Mock)
	require.True(t, ok)
	assert.NotNil(t, m.rng, "zero seed must still randomize variants")
}

func TestMockGreetingIsShort(t *testing.T) {
	text, err := NewMock(nil).Generate(context.Background(), userMessages("hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you today?", text)
}

func TestMockContentMatchesCategory(t *testing.T) {
	m := NewSeededMock(7)
	cases := map[string]protocol.ContentType{
		"compare the options in a table": protocol.ContentTable,
		"cite your sources please":       protocol.ContentCitation,
		"give me a json report":          protocol.ContentReport,
	}
	for prompt, want := range cases {
		text, err := m.Generate(context.Background(), userMessages(prompt))
		require.NoError(t, err)
		assert.Equal(t, want, markup.Classify(text), "prompt %q produced %q", prompt, text)
	}
}

func TestMockSeedIsDeterministic(t *testing.T) {
	msgs := userMessages("tell me about gardening")
	a, err := NewSeededMock(42).Generate(context.Background(), msgs)
	require.NoError(t, err)
	b, err := NewSeededMock(42).Generate(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMockTools(t *testing.T) {
	m := NewMock(nil)
	msgs := userMessages("first question", "second question")

	table, err := m.RunTool(context.Background(), protocol.ToolTable, msgs)
	require.NoError(t, err)
	assert.Equal(t, protocol.ContentTable, markup.Classify(table))

	history, err := m.RunTool(context.Background(), protocol.ToolHistory, msgs)
	require.NoError(t, err)
	assert.Contains(t, history, "> first question")
	assert.NotContains(t, history, "second question")

	report, err := m.RunTool(context.Background(), protocol.ToolReport, msgs)
	require.NoError(t, err)
	assert.Equal(t, protocol.ContentReport, markup.Classify(report))

	_, err = m.RunTool(context.Background(), "tool-x", msgs)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestMockHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock(nil).Generate(ctx, userMessages("hi"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIGeneratorSendsConversation(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":"Hello **there**"},"finish_reason":"stop"}]}`)
	}))
	defer ts.Close()

	g := NewOpenAI("sk-test", ts.URL+"/v1", "m1")
	msgs := []protocol.Message{
		{ID: "1", Role: protocol.RoleUser, Content: "hi"},
		{ID: "2", Role: protocol.RoleAssistant, Content: "hello"},
		{ID: "3", Role: protocol.RoleUser, Content: "how are you"},
	}
	text, err := g.Generate(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, "Hello **there**", text)
	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "how are you", got.Messages[3].Content)
}

func TestOpenAIGeneratorSurfacesHTTPErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer ts.Close()

	_, err := NewOpenAI("sk-test", ts.URL+"/v1", "").RunTool(context.Background(), protocol.ToolTable, userMessages("x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "slow down"), "err = %v", err)
	status, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/antoniostano/chatstream/internal/protocol"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	answerSystemPrompt = "You are a helpful assistant. Answer in GitHub-flavored markdown. " +
		"Use tables for comparisons, blockquotes followed by a line starting with '— ' for cited sources, " +
		"and fenced json blocks for structured reports."
)

var toolPrompts = map[string]string{
	protocol.ToolTable: "Summarize the data relevant to the user's last message as a single markdown table. " +
		"Output only the table.",
	protocol.ToolHistory: "Quote up to three earlier user statements from this conversation that matter for the last message. " +
		"Format each as a markdown blockquote followed by a line '— You, earlier in this chat'. Output only the quotes.",
	protocol.ToolReport: "Produce a JSON object describing the conversation (turns, topic, open questions). " +
		"Output only a fenced ```json code block.",
}

// OpenAIGenerator generates text with an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAI returns a generator for apiKey. An empty baseURL targets the
// public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (g *OpenAIGenerator) Name() string { return "openai:" + g.model }

func (g *OpenAIGenerator) Generate(ctx context.Context, messages []protocol.Message) (string, error) {
	return g.complete(ctx, answerSystemPrompt, messages)
}

func (g *OpenAIGenerator) RunTool(ctx context.Context, tool string, messages []protocol.Message) (string, error) {
	prompt, ok := toolPrompts[tool]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return g.complete(ctx, prompt, messages)
}

func (g *OpenAIGenerator) complete(ctx context.Context, system string, messages []protocol.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)+1),
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == protocol.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StatusCode extracts the HTTP status of a failed completion call, if the
// error carries one.
func StatusCode(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

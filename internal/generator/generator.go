// Package generator produces the text the streaming producer tokenizes:
// the answer itself and the content of the optional tool sections.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/chatstream/internal/protocol"
)

// ErrUnknownTool is returned by RunTool for tool names it cannot serve.
var ErrUnknownTool = errors.New("unknown tool")

// Generator writes the assistant answer for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []protocol.Message) (string, error)
}

// ToolRunner writes the content of one tool section.
type ToolRunner interface {
	RunTool(ctx context.Context, tool string, messages []protocol.Message) (string, error)
}

// Backend is a named Generator that can also run tools.
type Backend interface {
	Generator
	ToolRunner
	Name() string
}

// Config controls backend construction.
type Config struct {
	Mode          string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	// Seed fixes the mock's variant sequence. Zero seeds from the clock.
	Seed          int64
}

func New(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
		}
		return newMock(cfg.Seed), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "mock":
		return newMock(cfg.Seed), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}

func newMock(seed int64) *Mock {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewSeededMock(seed)
}

func lastUserText(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

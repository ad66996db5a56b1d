package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/antoniostano/chatstream/internal/policy"
	"github.com/antoniostano/chatstream/internal/protocol"
)

// Mock builds markdown replies from templates chosen by the inferred
// response categories. Variant choice is the only source of randomness.
type Mock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock returns a Mock. A nil rng always picks the first variant.
func NewMock(rng *rand.Rand) *Mock {
	return &Mock{rng: rng}
}

func NewSeededMock(seed int64) *Mock {
	s := uint64(seed)
	return NewMock(rand.New(rand.NewPCG(s, s^0x5851f42d4c957f2d)))
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) pick(variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng == nil {
		return variants[0]
	}
	return variants[m.rng.IntN(len(variants))]
}

func (m *Mock) Generate(ctx context.Context, messages []protocol.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := lastUserText(messages)
	topic := topicOf(prompt)

	var parts []string
	for _, category := range policy.InferCategories(prompt) {
		parts = append(parts, m.render(category, topic))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (m *Mock) render(category, topic string) string {
	switch category {
	case policy.CategoryGreeting:
		return m.pick([]string{
			"Hello! How can I help you today?",
			"Hi there! What would you like to work on?",
			"Hey! Ask me anything, I can answer with tables, sources, reports or code.",
		})
	case policy.CategoryTable:
		return m.pick([]string{
			"Here is a comparison for **" + topic + "**:",
			"I put the key figures for **" + topic + "** into a table:",
		}) + "\n\n" +
			"| Option | Strength | Trade-off |\n" +
			"| --- | --- | --- |\n" +
			"| A | Fast to adopt | Limited depth |\n" +
			"| B | Flexible | More setup |\n" +
			"| C | Battle tested | Higher cost |\n\n" +
			m.pick([]string{"Option B is usually the balanced choice.", "Pick A when time matters most."})
	case policy.CategoryCitation:
		return m.pick([]string{
			"A few sources agree on this point:",
			"Here is what the references say about " + topic + ":",
		}) + "\n\n" +
			"> Clear structure makes streamed answers easier to follow.\n" +
			"> — Notes on Interface Design\n\n" +
			"> Partial results are better than no results when a stream is cut short.\n" +
			"-- Field Guide to Resilient Systems"
	case policy.CategoryReport:
		report := map[string]any{
			"topic":    topic,
			"status":   m.pick([]string{"on_track", "at_risk", "ahead"}),
			"score":    m.pick([]string{"0.82", "0.67", "0.91"}),
			"findings": []string{"throughput stable", "latency within target"},
		}
		raw, _ := json.MarshalIndent(report, "", "  ")
		return "## Report\n\n```json\n" + string(raw) + "\n```"
	case policy.CategoryCode:
		return "Here is a small example:\n\n```go\n" +
			"func greet(name string) string {\n" +
			"\treturn \"Hello, \" + name\n" +
			"}\n```\n\n" +
			m.pick([]string{"Call it with any name.", "It returns the greeting instead of printing it."})
	default:
		return m.pick([]string{
			"## Overview\n\nYou asked about *" + topic + "*. Here is a short answer.",
			"## Summary\n\nLet me walk through *" + topic + "* step by step.",
		}) + "\n\n" +
			"- First, define what success looks like.\n" +
			"- Then, measure where you stand today.\n" +
			"- Finally, iterate in small steps.\n\n" +
			m.pick([]string{"Does that help?", "Let me know if you want more detail.", "Happy to go deeper on any step."})
	}
}

func (m *Mock) RunTool(ctx context.Context, tool string, messages []protocol.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch tool {
	case protocol.ToolTable:
		return m.tableTool(messages), nil
	case protocol.ToolHistory:
		return historyTool(messages), nil
	case protocol.ToolReport:
		return reportTool(messages)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
}

func (m *Mock) tableTool(messages []protocol.Message) string {
	var b strings.Builder
	b.WriteString("| Role | Messages | Characters |\n| --- | --- | --- |\n")
	counts := map[protocol.Role][2]int{}
	for _, msg := range messages {
		c := counts[msg.Role]
		c[0]++
		c[1] += utf8.RuneCountInString(msg.Content)
		counts[msg.Role] = c
	}
	for _, role := range []protocol.Role{protocol.RoleUser, protocol.RoleAssistant} {
		c := counts[role]
		fmt.Fprintf(&b, "| %s | %d | %d |\n", role, c[0], c[1])
	}
	b.WriteString("\n")
	b.WriteString(m.pick([]string{"Conversation statistics so far.", "Message volume by role."}))
	return b.String()
}

func historyTool(messages []protocol.Message) string {
	var quotes []string
	// Earlier user messages, newest first, excluding the current prompt.
	seenCurrent := false
	for i := len(messages) - 1; i >= 0 && len(quotes) < 3; i-- {
		msg := messages[i]
		if msg.Role != protocol.RoleUser {
			continue
		}
		if !seenCurrent {
			seenCurrent = true
			continue
		}
		text := strings.Join(strings.Fields(msg.Content), " ")
		if text == "" {
			continue
		}
		quotes = append(quotes, "> "+text+"\n> — You, earlier in this chat")
	}
	if len(quotes) == 0 {
		return "> No earlier messages in this chat.\n> — Chat history"
	}
	return strings.Join(quotes, "\n\n")
}

func reportTool(messages []protocol.Message) (string, error) {
	users := 0
	for _, msg := range messages {
		if msg.Role == protocol.RoleUser {
			users++
		}
	}
	report := struct {
		Turns        int      `json:"turns"`
		UserMessages int      `json:"userMessages"`
		Topic        string   `json:"topic"`
		Categories   []string `json:"categories"`
	}{
		Turns:        len(messages),
		UserMessages: users,
		Topic:        topicOf(lastUserText(messages)),
		Categories:   policy.InferCategories(lastUserText(messages)),
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return "```json\n" + string(raw) + "\n```", nil
}

func topicOf(prompt string) string {
	topic := strings.Join(strings.Fields(prompt), " ")
	topic = strings.Trim(topic, "?!. ")
	if topic == "" {
		return "your question"
	}
	if utf8.RuneCountInString(topic) > 48 {
		topic = string([]rune(topic)[:48]) + "…"
	}
	return topic
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Tool section names, in the order the producer streams them.
const (
	ToolTable   = "tool-t"
	ToolHistory = "tool-h"
	ToolReport  = "tool-f"
)

// ToolOrder is the fixed emission order of tool sections.
var ToolOrder = []string{ToolTable, ToolHistory, ToolReport}

// Auth carries the caller identity. Token validation happens outside this service.
type Auth struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId" validate:"required"`
}

// Message is one conversation entry. A missing ID is minted by the proxy.
type Message struct {
	ID             string          `json:"id,omitempty"`
	Role           Role            `json:"role" validate:"required,oneof=user assistant"`
	Content        string          `json:"content"`
	Timestamp      string          `json:"timestamp,omitempty"`
	FilterID       string          `json:"filterId,omitempty"`
	FilterSnapshot json.RawMessage `json:"filterSnapshot,omitempty"`
}

type Tool struct {
	Name    string `json:"name" validate:"required,oneof=tool-t tool-h tool-f"`
	Enabled bool   `json:"enabled"`
}

// StreamRequest starts one streamed chat turn.
type StreamRequest struct {
	ChatID             string    `json:"chatId" validate:"required"`
	Auth               Auth      `json:"auth"`
	Messages           []Message `json:"messages" validate:"required,min=1,dive"`
	Tools              []Tool    `json:"tools,omitempty" validate:"omitempty,dive"`
	RequestTimestamp   string    `json:"requestTimestamp,omitempty"`
	AssistantMessageID string    `json:"assistantMessageId,omitempty"`
}

// ValidationError reports the first invalid field of a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks required fields. It returns a *ValidationError.
func (r StreamRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return &ValidationError{Field: field, Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// WithMessageIDs returns a copy of r whose messages all carry an id, calling
// newID for each one that has none. r itself is left untouched.
func (r StreamRequest) WithMessageIDs(newID func() string) StreamRequest {
	msgs := make([]Message, len(r.Messages))
	copy(msgs, r.Messages)
	for i := range msgs {
		if strings.TrimSpace(msgs[i].ID) == "" {
			msgs[i].ID = newID()
		}
	}
	r.Messages = msgs
	return r
}

// LastUserMessage returns the most recent user message.
func (r StreamRequest) LastUserMessage() (Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i], true
		}
	}
	return Message{}, false
}

// EnabledTools returns the enabled tool sections in emission order.
func (r StreamRequest) EnabledTools() []string {
	enabled := make(map[string]bool, len(r.Tools))
	for _, t := range r.Tools {
		if t.Enabled {
			enabled[t.Name] = true
		}
	}
	var out []string
	for _, name := range ToolOrder {
		if enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Package streamclient talks to the chat proxy: it consumes the NDJSON turn
// stream and calls the message persistence API.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/store"
)

// ErrTruncated means the stream closed without a complete or error chunk.
var ErrTruncated = errors.New("stream ended without a terminal chunk")

// UserHeader carries the caller identity on REST calls.
const UserHeader = "X-User-ID"

// StatusError is a non-2xx proxy response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("proxy http status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("proxy http status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps statuses onto store sentinels so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusForbidden:
		return store.ErrForbidden
	default:
		return nil
	}
}

// Handler receives every decodable chunk, in stream order. Returning an
// error aborts the stream.
type Handler func(protocol.Chunk) error

// Config configures a Client.
type Config struct {
	BaseURL       string
	HeaderTimeout time.Duration
	Logger        *zap.Logger
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func New(cfg Config) *Client {
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HeaderTimeout
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    &http.Client{Transport: transport},
		logger:  cfg.Logger,
	}
}

// Stream runs one turn against the proxy and feeds chunks to onChunk. It
// returns the terminal chunk, or ErrTruncated when the stream closed
// without one. Malformed lines are logged and skipped.
func (c *Client) Stream(ctx context.Context, req protocol.StreamRequest, onChunk Handler) (protocol.Chunk, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.Chunk{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return protocol.Chunk{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(UserHeader, req.Auth.UserID)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.Chunk{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return protocol.Chunk{}, err
	}

	lr := protocol.NewLineReader(res.Body)
	for {
		line, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return protocol.Chunk{}, ErrTruncated
		}
		if errors.Is(err, protocol.ErrLineTooLong) {
			c.logger.Warn("skipping oversize stream line", zap.Int("limit", protocol.MaxLineBytes))
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return protocol.Chunk{}, ctxErr
			}
			return protocol.Chunk{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}

		chunk, err := protocol.ParseLine(line)
		if errors.Is(err, protocol.ErrEmptyLine) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping malformed stream line", zap.Error(err), zap.Int("bytes", len(line)))
			continue
		}
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return protocol.Chunk{}, err
			}
		}
		if chunk.Type.Terminal() {
			return chunk, nil
		}
	}
}

// SaveMessage upserts msg through the proxy persistence API.
func (c *Client) SaveMessage(ctx context.Context, userID, chatID string, msg store.Message) error {
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(msg.ID)
	return c.do(ctx, http.MethodPut, path, userID, msg, nil)
}

// ListMessages returns the persisted messages of chatID, oldest first.
// limit <= 0 returns all.
func (c *Client) ListMessages(ctx context.Context, userID, chatID string, limit int) ([]store.Message, error) {
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, userID, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) DeleteMessage(ctx context.Context, userID, chatID, messageID string) error {
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, userID, nil, nil)
}

// Cancel asks the proxy to stop the turn streaming messageID.
func (c *Client) Cancel(ctx context.Context, userID, messageID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chat/turns/"+url.PathEscape(messageID)+"/cancel", userID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, userID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(UserHeader, userID)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	serr := &StatusError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		serr.Code = body.Error
		serr.Message = body.Message
	}
	return serr
}

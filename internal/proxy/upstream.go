package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/chatstream/internal/producer"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/reliability"
)

// GeneratePath is the producer route the HTTP upstream posts to.
const GeneratePath = "/v1/generate/stream"

// ErrUpstreamUnavailable wraps transport failures reaching the producer.
var ErrUpstreamUnavailable = errors.New("producer unreachable")

// Upstream opens the producer chunk stream for one request. Closing the
// returned body, or cancelling ctx, stops the producer.
type Upstream interface {
	Open(ctx context.Context, req protocol.StreamRequest) (io.ReadCloser, error)
}

// UpstreamStatusError reports a non-2xx producer response. Nothing was
// forwarded when it is returned.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("producer http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the producer may succeed on a later attempt.
func (e *UpstreamStatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// HTTPUpstream posts requests to a producer over HTTP.
type HTTPUpstream struct {
	url    string
	client *http.Client
}

// NewHTTPUpstream targets the producer at baseURL. headerTimeout bounds the
// wait for response headers; the body itself is unbounded.
func NewHTTPUpstream(baseURL string, headerTimeout time.Duration) *HTTPUpstream {
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &HTTPUpstream{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + GeneratePath,
		client: &http.Client{Transport: transport},
	}
}

func (u *HTTPUpstream) Open(ctx context.Context, req protocol.StreamRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", protocol.ContentTypeNDJSON)

	res, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &UpstreamStatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res.Body, nil
}

// Producer is the in-process producer surface LocalUpstream drives.
type Producer interface {
	Produce(ctx context.Context, req protocol.StreamRequest, sink producer.Sink) (producer.Result, error)
}

// LocalUpstream runs an in-process producer behind a pipe, so a single
// process can serve both hops without a network round trip.
type LocalUpstream struct {
	producer Producer
}

func NewLocalUpstream(p Producer) *LocalUpstream {
	return &LocalUpstream{producer: p}
}

func (u *LocalUpstream) Open(ctx context.Context, req protocol.StreamRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, &UpstreamStatusError{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := u.producer.Produce(ctx, req, protocol.NewWriter(pw))
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

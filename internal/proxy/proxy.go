// Package proxy re-streams producer chunks line for line and persists the
// side effects of a chat turn exactly once.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/observability"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/reliability"
	"github.com/antoniostano/chatstream/internal/session"
	"github.com/antoniostano/chatstream/internal/store"
)

const (
	hop              = "proxy"
	persistTimeout   = 10 * time.Second
	defaultRetryBase = 100 * time.Millisecond
	maxRetryBackoff  = 2 * time.Second
)

// LineSink receives forwarded lines. WriteLine appends the newline.
// *protocol.Writer implements it.
type LineSink interface {
	WriteLine(line []byte) error
}

// Config wires a Proxy.
type Config struct {
	Upstream       Upstream
	Store          store.Store
	Sessions       *session.Manager
	PersistRetries int
	RetryBase      time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

type Proxy struct {
	upstream  Upstream
	store     store.Store
	sessions  *session.Manager
	retries   int
	retryBase time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func New(cfg Config) *Proxy {
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(0)
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Proxy{
		upstream:  cfg.Upstream,
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		retries:   cfg.PersistRetries,
		retryBase: cfg.RetryBase,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("github.com/antoniostano/chatstream/internal/proxy"),
	}
}

// Sessions exposes the registry of proxied turns, keyed by assistant
// message id.
func (p *Proxy) Sessions() *session.Manager {
	return p.sessions
}

// Cancel stops the turn streaming assistant message messageID. The proxy
// still saves what was streamed so far.
func (p *Proxy) Cancel(messageID string) error {
	return p.sessions.Cancel(messageID, session.ErrCancelled)
}

// Result describes a proxied turn.
type Result struct {
	MessageID    string
	SessionID    string
	Status       store.MessageStatus
	Content      string
	Lines        int
	Malformed    int
	Disconnected bool
	Saved        bool
}

type turnMetadata struct {
	SessionID       string              `json:"sessionId,omitempty"`
	Tokens          int                 `json:"tokens"`
	Generator       string              `json:"generator,omitempty"`
	Error           *protocol.ErrorInfo `json:"error,omitempty"`
	ContentMismatch bool                `json:"contentMismatch,omitempty"`
}

// Stream runs one turn: it records the user side, forwards every upstream
// line to sink as it arrives, and saves the assistant message once the
// upstream ends. req must already be validated. An error means nothing was
// forwarded.
func (p *Proxy) Stream(ctx context.Context, req protocol.StreamRequest, sink LineSink) (Result, error) {
	started := time.Now()
	if req.AssistantMessageID == "" {
		req.AssistantMessageID = uuid.NewString()
	}
	req = req.WithMessageIDs(uuid.NewString)
	res := Result{MessageID: req.AssistantMessageID}

	ctx, span := p.tracer.Start(ctx, "proxy.Stream", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("message.id", req.AssistantMessageID),
	))
	defer span.End()
	logger := p.logger.With(
		zap.String("chat_id", req.ChatID),
		zap.String("message_id", req.AssistantMessageID),
	)

	user, err := p.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare turn failed")
		return res, err
	}

	turnCtx, _, err := p.sessions.Start(ctx, session.Info{
		ID:        req.AssistantMessageID,
		ChatID:    req.ChatID,
		UserID:    req.Auth.UserID,
		MessageID: req.AssistantMessageID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn already active")
		return res, fmt.Errorf("register turn: %w", err)
	}

	body, err := p.upstream.Open(turnCtx, req)
	if err != nil {
		_, _ = p.sessions.End(req.AssistantMessageID, session.StatusErrored)
		span.RecordError(err)
		span.SetStatus(codes.Error, "open upstream failed")
		return res, fmt.Errorf("open upstream: %w", err)
	}
	p.metrics.StreamStarted(hop)

	acc := NewAccumulator()
	downstreamErr := p.forward(turnCtx, body, sink, acc, &res, started, logger)
	_ = body.Close()
	res.SessionID = acc.SessionID()
	res.Content = acc.Content()
	span.SetAttributes(
		attribute.String("session.id", res.SessionID),
		attribute.Int("stream.line_count", res.Lines),
		attribute.Int("stream.malformed_count", res.Malformed),
	)

	// The client is gone: the client side owns the interrupted save.
	if downstreamErr != nil || ctx.Err() != nil {
		res.Disconnected = true
		res.Status = store.StatusInterrupted
		_, _ = p.sessions.End(req.AssistantMessageID, session.StatusInterrupted)
		p.metrics.StreamEnded(hop, "disconnected", time.Since(started))
		logger.Info("downstream disconnected, assistant save skipped",
			zap.Int("lines", res.Lines),
			zap.Int("tokens", acc.Tokens()),
		)
		span.SetStatus(codes.Error, "downstream disconnected")
		return res, nil
	}

	if cause := context.Cause(turnCtx); turnCtx.Err() != nil {
		logger.Info("turn stopped", zap.String("cause", cause.Error()))
	}

	res.Status = store.StatusInterrupted
	if acc.Completed() {
		res.Status = store.StatusComplete
	}
	if acc.Mismatch() {
		p.metrics.ObserveContentMismatch()
		logger.Warn("finalContent disagrees with streamed tokens, keeping finalContent",
			zap.Int("final_len", len(res.Content)),
			zap.Int("token_len", len(acc.TokenContent())),
		)
	}
	if gaps := acc.IndexGaps(); gaps > 0 {
		logger.Warn("token index gaps in upstream stream", zap.Int("gaps", gaps))
	}

	meta, _ := json.Marshal(turnMetadata{
		SessionID:       acc.SessionID(),
		Tokens:          acc.Tokens(),
		Generator:       acc.Generator(),
		Error:           acc.Err(),
		ContentMismatch: acc.Mismatch(),
	})
	res.Saved = p.persist(context.WithoutCancel(ctx), req.ChatID, req.Auth.UserID, store.Message{
		ID:             req.AssistantMessageID,
		Role:           string(protocol.RoleAssistant),
		Content:        res.Content,
		Status:         res.Status,
		Sections:       acc.Sections(),
		Metadata:       meta,
		FilterID:       user.FilterID,
		FilterSnapshot: user.FilterSnapshot,
	}, logger)

	outcome, status := "complete", session.StatusCompleted
	switch {
	case acc.Err() != nil:
		outcome, status = "error", session.StatusErrored
	case !acc.Completed():
		outcome, status = "interrupted", session.StatusInterrupted
	}
	_, _ = p.sessions.End(req.AssistantMessageID, status)
	p.metrics.StreamEnded(hop, outcome, time.Since(started))
	logger.Info("turn finished",
		zap.String("status", string(res.Status)),
		zap.Int("tokens", acc.Tokens()),
		zap.Bool("saved", res.Saved),
		zap.Duration("duration", time.Since(started)),
	)
	if res.Status == store.StatusComplete {
		span.SetStatus(codes.Ok, "turn completed")
	} else {
		span.SetStatus(codes.Error, "turn interrupted")
	}
	return res, nil
}

// forward copies upstream lines to sink until the upstream ends, ctx is done
// or sink fails. It returns the sink error, if any.
func (p *Proxy) forward(ctx context.Context, body io.Reader, sink LineSink, acc *Accumulator, res *Result, started time.Time, logger *zap.Logger) error {
	lr := protocol.NewLineReader(body)
	for {
		line, err := lr.Next()
		if errors.Is(err, protocol.ErrLineTooLong) {
			res.Malformed++
			p.metrics.ObserveMalformed(hop)
			logger.Warn("oversize upstream line dropped", zap.Int("limit", protocol.MaxLineBytes))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Warn("upstream read failed", zap.Error(err))
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := sink.WriteLine(line); err != nil {
			return err
		}
		res.Lines++
		if res.Lines == 1 {
			p.metrics.ObserveFirstToken(hop, observability.StageFirstForward, time.Since(started))
		}

		c, err := acc.Observe(line)
		switch {
		case err == nil:
			p.metrics.ObserveChunk(hop, string(c.Type))
		case isEmptyLine(err):
		default:
			res.Malformed++
			p.metrics.ObserveMalformed(hop)
			logger.Warn("malformed upstream line forwarded uninterpreted",
				zap.Error(err),
				zap.Int("bytes", len(line)),
			)
		}
	}
}

// prepare records the chat and the incoming user message before anything is
// forwarded.
func (p *Proxy) prepare(ctx context.Context, req protocol.StreamRequest) (protocol.Message, error) {
	userID := req.Auth.UserID
	if _, err := p.store.EnsureChatExists(ctx, req.ChatID, userID, store.ChatName(firstUserContent(req.Messages))); err != nil {
		return protocol.Message{}, fmt.Errorf("ensure chat: %w", err)
	}

	user, ok := req.LastUserMessage()
	if !ok {
		return protocol.Message{}, nil
	}
	start := time.Now()
	err := p.store.SaveMessage(ctx, req.ChatID, userID, store.Message{
		ID:             user.ID,
		Role:           string(protocol.RoleUser),
		Content:        user.Content,
		Status:         store.StatusComplete,
		FilterID:       user.FilterID,
		FilterSnapshot: user.FilterSnapshot,
	})
	if err != nil {
		p.metrics.ObservePersist(string(protocol.RoleUser), "error", time.Since(start))
		return protocol.Message{}, fmt.Errorf("save user message: %w", err)
	}
	p.metrics.ObservePersist(string(protocol.RoleUser), "ok", time.Since(start))

	if user.FilterID != "" {
		if err := p.store.SetActiveFilter(ctx, req.ChatID, userID, user.FilterID); err != nil {
			return protocol.Message{}, fmt.Errorf("set active filter: %w", err)
		}
	}
	return user, nil
}

// persist saves msg once, plus up to p.retries retries. Failures are logged
// and reported, never returned.
func (p *Proxy) persist(ctx context.Context, chatID, userID string, msg store.Message, logger *zap.Logger) bool {
	role := string(protocol.RoleAssistant)
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, reliability.ExponentialBackoff(attempt-1, p.retryBase, maxRetryBackoff)); err != nil {
				return false
			}
		}
		start := time.Now()
		saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
		err := p.store.SaveMessage(saveCtx, chatID, userID, msg)
		cancel()
		if err == nil {
			p.metrics.ObservePersist(role, "ok", time.Since(start))
			return true
		}
		p.metrics.ObservePersist(role, "error", time.Since(start))
		logger.Warn("assistant save failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.retries+1),
			zap.Error(err),
		)
		if errors.Is(err, store.ErrForbidden) || errors.Is(err, store.ErrInvalid) {
			return false
		}
	}
	return false
}

func firstUserContent(messages []protocol.Message) string {
	for _, m := range messages {
		if m.Role == protocol.RoleUser {
			return m.Content
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

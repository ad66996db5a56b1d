// Package producer turns generated text into a paced NDJSON chunk stream.
package producer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/generator"
	"github.com/antoniostano/chatstream/internal/markup"
	"github.com/antoniostano/chatstream/internal/observability"
	"github.com/antoniostano/chatstream/internal/pacing"
	"github.com/antoniostano/chatstream/internal/policy"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/reliability"
	"github.com/antoniostano/chatstream/internal/session"
	"github.com/antoniostano/chatstream/internal/tokenize"
)

const hop = "producer"

// Error codes carried by in-band error chunks.
const (
	CodeGenerationFailed    = "generation_failed"
	CodeEmptyGeneration     = "empty_generation"
	CodeRateLimited         = "rate_limited"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeStreamTimeout       = "stream_timeout"
	CodeCancelled           = "cancelled"
	CodeInternal            = "internal_error"
)

// DefaultCumulativeEvery is how often a token carries the full content so far.
const DefaultCumulativeEvery = 10

var errEmptyGeneration = errors.New("generator returned an empty answer")

var toolContentTypes = map[string]protocol.ContentType{
	protocol.ToolTable:   protocol.ContentTable,
	protocol.ToolHistory: protocol.ContentCitation,
	protocol.ToolReport:  protocol.ContentReport,
}

// Sink receives the chunks of one stream in order. *protocol.Writer
// implements it.
type Sink interface {
	WriteChunk(protocol.Chunk) error
}

// Config tunes a Producer. Zero values pick defaults.
type Config struct {
	Pacer           pacing.Pacer
	Tokenizer       tokenize.Tokenizer
	CumulativeEvery int
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Producer streams one response per request.
type Producer struct {
	backend         generator.Backend
	sessions        *session.Manager
	pacer           pacing.Pacer
	tokenizer       tokenize.Tokenizer
	cumulativeEvery int
	logger          *zap.Logger
	metrics         *observability.Metrics
	tracer          trace.Tracer
}

func New(backend generator.Backend, sessions *session.Manager, cfg Config) *Producer {
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	if cfg.Pacer == nil {
		cfg.Pacer = pacing.None
	}
	if cfg.CumulativeEvery <= 0 {
		cfg.CumulativeEvery = DefaultCumulativeEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Producer{
		backend:         backend,
		sessions:        sessions,
		pacer:           cfg.Pacer,
		tokenizer:       cfg.Tokenizer,
		cumulativeEvery: cfg.CumulativeEvery,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          otel.Tracer("github.com/antoniostano/chatstream/internal/producer"),
	}
}

// Sessions exposes the registry of live producer streams.
func (p *Producer) Sessions() *session.Manager {
	return p.sessions
}

// Outcome summarizes how a stream ended.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeError        Outcome = "error"
	OutcomeDisconnected Outcome = "disconnected"
)

// Result describes a finished stream.
type Result struct {
	SessionID    string
	Outcome      Outcome
	Tokens       int
	FinalContent string
	Err          *protocol.ErrorInfo
}

// Produce streams the response to req into sink. req must already be
// validated. Generation failures are reported in-band and return a nil
// error; a non-nil error means the consumer went away or the sink failed,
// and nothing more was written.
func (p *Producer) Produce(ctx context.Context, req protocol.StreamRequest, sink Sink) (Result, error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "producer.Produce", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("message.id", req.AssistantMessageID),
	))
	defer span.End()

	ctx, sess, err := p.sessions.Start(ctx, session.Info{
		ChatID:    req.ChatID,
		UserID:    req.Auth.UserID,
		MessageID: req.AssistantMessageID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session registration failed")
		return Result{}, fmt.Errorf("register stream: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	s := &stream{
		p:         p,
		ctx:       ctx,
		sink:      sink,
		sessionID: sess.ID,
		started:   started,
		logger: p.logger.With(
			zap.String("session_id", sess.ID),
			zap.String("chat_id", req.ChatID),
			zap.String("message_id", req.AssistantMessageID),
		),
	}
	p.metrics.StreamStarted(hop)
	res, err := s.run(req)

	_, _ = p.sessions.End(sess.ID, sessionStatus(res.Outcome))
	p.metrics.StreamEnded(hop, string(res.Outcome), time.Since(started))
	span.SetAttributes(
		attribute.Int("stream.token_count", res.Tokens),
		attribute.String("stream.outcome", string(res.Outcome)),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream aborted")
	case res.Err != nil:
		span.SetStatus(codes.Error, res.Err.Code)
	default:
		span.SetStatus(codes.Ok, "stream completed")
	}
	return res, err
}

func sessionStatus(o Outcome) session.Status {
	switch o {
	case OutcomeComplete:
		return session.StatusCompleted
	case OutcomeError:
		return session.StatusErrored
	default:
		return session.StatusInterrupted
	}
}

// stream is the state of one Produce call.
type stream struct {
	p         *Producer
	ctx       context.Context
	sink      Sink
	sessionID string
	logger    *zap.Logger
	started   time.Time

	fsm     machine
	index   int
	total   int
	content strings.Builder
}

func (s *stream) run(req protocol.StreamRequest) (Result, error) {
	prompt, _ := req.LastUserMessage()
	tools := req.EnabledTools()
	sections := append(append([]string(nil), tools...), protocol.SectionAnswer)
	promptTokens := len(s.p.tokenizer.Tokenize(prompt.Content))

	s.logger.Info("stream started",
		zap.String("generator", s.p.backend.Name()),
		zap.Strings("sections", sections),
		zap.String("prompt_preview", policy.Preview(prompt.Content, 80)),
	)

	if err := s.fsm.to(StateStarted); err != nil {
		return s.fail(err)
	}
	if err := s.emit(protocol.StartData{
		PromptTokens: promptTokens,
		Categories:   policy.InferCategories(prompt.Content),
		ChatID:       req.ChatID,
		MessageID:    req.AssistantMessageID,
	}); err != nil {
		return s.fail(err)
	}
	if err := s.emit(protocol.MetadataData{
		TotalTokens: 0,
		Sections:    sections,
		Generator:   s.p.backend.Name(),
	}); err != nil {
		return s.fail(err)
	}

	for _, tool := range tools {
		text, err := s.p.backend.RunTool(s.ctx, tool, req.Messages)
		if err != nil {
			return s.fail(generationFailure(err))
		}
		if err := s.section(tool, toolContentTypes[tool], s.p.tokenizer.Tokenize(text)); err != nil {
			return s.fail(err)
		}
		if err := s.emit(protocol.ProgressData{Emitted: s.index, Section: tool}); err != nil {
			return s.fail(err)
		}
	}

	answer, err := s.p.backend.Generate(s.ctx, req.Messages)
	if err != nil {
		return s.fail(generationFailure(err))
	}
	if strings.TrimSpace(answer) == "" {
		return s.fail(&generationError{code: CodeEmptyGeneration, err: errEmptyGeneration})
	}
	tokens := s.p.tokenizer.Tokenize(answer)
	s.total = s.index + len(tokens)
	contentType := markup.Classify(answer)
	if err := s.section(protocol.SectionAnswer, contentType, tokens); err != nil {
		return s.fail(err)
	}

	if err := s.fsm.to(StateCompleted); err != nil {
		return s.fail(err)
	}
	final := s.content.String()
	if err := s.emit(protocol.CompleteData{
		FinalContent: final,
		TotalTokens:  s.index,
		Usage: protocol.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: s.index,
			TotalTokens:      promptTokens + s.index,
		},
		Quality: &protocol.Quality{
			Sections:    len(sections),
			DurationMS:  time.Since(s.started).Milliseconds(),
			ContentType: contentType,
		},
	}); err != nil {
		return s.fail(err)
	}

	s.logger.Info("stream completed",
		zap.Int("tokens", s.index),
		zap.Duration("duration", time.Since(s.started)),
	)
	return Result{
		SessionID:    s.sessionID,
		Outcome:      OutcomeComplete,
		Tokens:       s.index,
		FinalContent: final,
	}, nil
}

// section streams one named section. Tool sections run before the total is
// known and report totalTokens 0.
func (s *stream) section(name string, contentType protocol.ContentType, tokens []string) error {
	if err := s.fsm.to(StateSectionOpen); err != nil {
		return err
	}
	if err := s.emit(protocol.SectionData{Section: name, Action: protocol.SectionStart, ContentType: contentType}); err != nil {
		return err
	}

	for i, tok := range tokens {
		if err := sleep(s.ctx, s.p.pacer.Delay(tok, i, tokens)); err != nil {
			return err
		}
		if err := s.fsm.to(StateEmitting); err != nil {
			return err
		}
		s.index++
		s.content.WriteString(tok)

		last := s.total > 0 && s.index == s.total
		data := protocol.TokenData{
			Token:       tok,
			Index:       s.index,
			TotalTokens: s.total,
			Section:     name,
			ContentType: contentType,
			IsLastToken: last,
		}
		if last || s.index%s.p.cumulativeEvery == 0 {
			data.CumulativeContent = protocol.Strptr(s.content.String())
		}
		if err := s.emit(data); err != nil {
			return err
		}
		if s.index == 1 {
			s.p.metrics.ObserveFirstToken(hop, observability.StageFirstToken, time.Since(s.started))
		}
		_ = s.p.sessions.Touch(s.sessionID, 1)
	}

	if err := s.fsm.to(StateSectionClosed); err != nil {
		return err
	}
	return s.emit(protocol.SectionData{Section: name, Action: protocol.SectionEnd, ContentType: contentType})
}

func (s *stream) emit(payload protocol.Payload) error {
	if err := s.sink.WriteChunk(protocol.NewChunk(s.sessionID, payload)); err != nil {
		return &sinkError{err: err}
	}
	s.p.metrics.ObserveChunk(hop, string(payload.ChunkType()))
	return nil
}

// fail ends the stream after err. While the consumer is still there it gets
// exactly one error chunk.
func (s *stream) fail(err error) (Result, error) {
	res := Result{
		SessionID:    s.sessionID,
		Outcome:      OutcomeDisconnected,
		Tokens:       s.index,
		FinalContent: s.content.String(),
	}

	var serr *sinkError
	if errors.As(err, &serr) {
		s.logger.Info("stream consumer write failed", zap.Error(serr.err), zap.Int("tokens", s.index))
		return res, err
	}
	info, ok := s.describe(err)
	if !ok {
		s.logger.Info("stream consumer disconnected", zap.Int("tokens", s.index))
		return res, context.Cause(s.ctx)
	}

	_ = s.fsm.to(StateErrored)
	s.logger.Warn("stream failed",
		zap.String("code", info.Code),
		zap.Bool("recoverable", info.Recoverable),
		zap.Int("tokens", s.index),
		zap.Error(err),
	)
	if werr := s.emit(protocol.ErrorData{Error: info}); werr != nil {
		return res, werr
	}
	res.Outcome = OutcomeError
	res.Err = &info
	return res, nil
}

// describe maps err to the in-band error. ok is false when the consumer is
// gone and nothing should be written.
func (s *stream) describe(err error) (protocol.ErrorInfo, bool) {
	recoverable := s.index > 0
	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		switch {
		case errors.Is(cause, session.ErrMaxDuration):
			return protocol.ErrorInfo{Message: cause.Error(), Code: CodeStreamTimeout, Recoverable: recoverable}, true
		case errors.Is(cause, session.ErrCancelled):
			return protocol.ErrorInfo{Message: cause.Error(), Code: CodeCancelled, Recoverable: recoverable}, true
		default:
			return protocol.ErrorInfo{}, false
		}
	}

	var terr *IllegalTransitionError
	if errors.As(err, &terr) {
		return protocol.ErrorInfo{Message: terr.Error(), Code: CodeInternal, Recoverable: recoverable}, true
	}
	code := CodeGenerationFailed
	var gerr *generationError
	if errors.As(err, &gerr) {
		code = gerr.code
	}
	return protocol.ErrorInfo{Message: err.Error(), Code: code, Recoverable: recoverable}, true
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "write chunk: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

type generationError struct {
	code string
	err  error
}

func (e *generationError) Error() string { return e.err.Error() }
func (e *generationError) Unwrap() error { return e.err }

func generationFailure(err error) error {
	code := CodeGenerationFailed
	if status, ok := generator.StatusCode(err); ok {
		switch {
		case status == http.StatusTooManyRequests:
			code = CodeRateLimited
		case reliability.IsRetryableHTTPStatus(status):
			code = CodeUpstreamUnavailable
		}
	}
	return &generationError{code: code, err: err}
}

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

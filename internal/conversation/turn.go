package conversation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/markup"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/reliability"
	"github.com/antoniostano/chatstream/internal/store"
	"github.com/antoniostano/chatstream/internal/streamclient"
)

// turn reassembles one streamed assistant message.
type turn struct {
	c       *Controller
	session *ActiveSession
	logger  *zap.Logger

	// guarded by c.mu
	top     *markup.Builder
	builder map[string]*markup.Builder
	open    string
}

func (t *turn) run(ctx context.Context, req protocol.StreamRequest) {
	defer close(t.session.done)

	flushCtx, stopFlush := context.WithCancel(context.Background())
	flushed := make(chan struct{})
	go t.flushLoop(flushCtx, flushed)

	terminal, err := t.c.streamer.Stream(ctx, req, t.onChunk)

	stopFlush()
	<-flushed

	res := t.finish(ctx, terminal, err)
	status := store.StatusInterrupted
	if res.State == StateCompleted {
		status = store.StatusComplete
	}
	if snap, ok := t.snapshot(); ok {
		res.Saved = t.save(context.Background(), snap, status)
	}
	t.session.result = res
	t.session.cancel(context.Canceled)

	t.c.mu.Lock()
	if conv, ok := t.c.convs[t.session.ChatID]; ok {
		conv.State = StateIdle
		conv.LastOutcome = res.State
	}
	if t.c.active == t.session {
		t.c.active = nil
	}
	t.c.mu.Unlock()

	t.logger.Info("turn finished",
		zap.String("state", string(res.State)),
		zap.Bool("saved", res.Saved),
		zap.Bool("retryable", res.Retryable),
		zap.NamedError("cause", res.Err),
	)
}

func (t *turn) onChunk(ch protocol.Chunk) error {
	snap, changed := t.apply(ch)
	if changed && t.c.onUpdate != nil {
		t.c.onUpdate(Update{ChatID: t.session.ChatID, Chunk: ch, Message: snap})
	}
	return nil
}

// message returns the streaming message. c.mu must be held.
func (t *turn) message() *Message {
	conv, ok := t.c.convs[t.session.ChatID]
	if !ok {
		return nil
	}
	if i := conv.indexOf(t.session.MessageID); i >= 0 {
		return &conv.Messages[i]
	}
	return nil
}

func (t *turn) apply(ch protocol.Chunk) (Message, bool) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	m := t.message()
	if m == nil || !m.IsStreaming {
		return Message{}, false
	}

	switch d := ch.Payload.(type) {
	case protocol.StartData:
		m.SessionID = ch.SessionID
	case protocol.SectionData:
		switch d.Action {
		case protocol.SectionStart:
			t.open = d.Section
			t.builder[d.Section] = markup.NewBuilder()
			if m.Sections == nil {
				m.Sections = make(map[string]Section)
			}
			m.Sections[d.Section] = Section{Parsed: markup.Parse("")}
		case protocol.SectionEnd:
			if d.Section == t.open {
				t.open = ""
			}
			if s, ok := m.Sections[d.Section]; ok {
				s.Closed = true
				m.Sections[d.Section] = s
			}
		}
	case protocol.TokenData:
		parsed := t.top.AppendToken(d.Token)
		if d.CumulativeContent != nil && *d.CumulativeContent != t.top.Text() {
			t.logger.Debug("local content diverged, resyncing", zap.Int("index", d.Index))
			parsed = t.top.Resync(*d.CumulativeContent)
		}
		m.Content = t.top.Text()
		m.Parsed = parsed
		// A token claiming a section that is not open counts as top-level only.
		if t.open != "" && d.Section == t.open {
			b := t.builder[t.open]
			p := b.AppendToken(d.Token)
			m.Sections[t.open] = Section{Content: b.Text(), Parsed: p}
		}
	case protocol.CompleteData:
		if d.FinalContent != t.top.Text() {
			m.Parsed = t.top.Resync(d.FinalContent)
			m.Content = d.FinalContent
		}
	case protocol.ErrorData:
		info := d.Error
		m.Error = &info
	default:
		return Message{}, false
	}
	return m.clone(), true
}

// finish settles the message exactly once and describes the outcome.
func (t *turn) finish(ctx context.Context, terminal protocol.Chunk, err error) Result {
	res := Result{ChatID: t.session.ChatID, MessageID: t.session.MessageID, State: StateInterrupted}
	switch {
	case err == nil && terminal.Type == protocol.TypeComplete:
		res.State = StateCompleted
	case err == nil && terminal.Type == protocol.TypeError:
		res.State = StateErrored
		if d, ok := terminal.Payload.(protocol.ErrorData); ok {
			res.Err = d.Error
			res.Retryable = reliability.IsRecoverableErrorCode(d.Error.Code)
		}
	case ctx.Err() != nil:
		res.Err = context.Cause(ctx)
	default:
		res.Err = err
		var serr *streamclient.StatusError
		switch {
		case errors.Is(err, streamclient.ErrTruncated):
			res.Retryable = true
		case errors.As(err, &serr):
			res.Retryable = reliability.IsRetryableHTTPStatus(serr.StatusCode)
		}
	}

	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if m := t.message(); m != nil && m.IsStreaming {
		m.IsStreaming = false
		m.IsInterrupted = res.State != StateCompleted
		for name, s := range m.Sections {
			s.Closed = true
			m.Sections[name] = s
		}
		res.Content = m.Content
	}
	if conv, ok := t.c.convs[t.session.ChatID]; ok {
		conv.State = res.State
	}
	return res
}

func (t *turn) snapshot() (Message, bool) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	m := t.message()
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

// flushLoop saves partial snapshots while the turn streams.
func (t *turn) flushLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.c.flushInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := t.snapshot()
			if !ok || !snap.IsStreaming || snap.Content == last {
				continue
			}
			if t.save(ctx, snap, store.StatusPartial) {
				last = snap.Content
			}
		}
	}
}

func (t *turn) save(ctx context.Context, m Message, status store.MessageStatus) bool {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := t.c.persister.SaveMessage(ctx, t.c.userID, t.session.ChatID, toStored(m, status)); err != nil {
		if status == store.StatusPartial && ctx.Err() != nil {
			return false
		}
		t.logger.Warn("message save failed", zap.String("status", string(status)), zap.Error(err))
		return false
	}
	return true
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/chatstream/internal/protocol"
)

type perfOptions struct {
	baseURL        string
	userID         string
	turns          int
	texts          []string
	tools          []string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

var defaultPrompts = []string{
	"hello",
	"compare the plans in a table",
	"summarize the history of the project with sources",
	"write a short report on latency",
}

// turnTiming is what one replayed turn measured.
type turnTiming struct {
	FirstToken time.Duration
	Total      time.Duration
	Tokens     int
	Terminal   protocol.ChunkType
}

func newPerfCmd() *cobra.Command {
	opts := perfOptions{}
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Replay chat turns over the WebSocket stream and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runPerf(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", envOr("CHATSTREAM_URL", "http://127.0.0.1:8080"), "proxy base URL")
	f.StringVar(&opts.userID, "user", "perf-replay", "user id for the synthetic chats")
	f.IntVar(&opts.turns, "turns", 10, "number of turns to replay")
	f.StringSliceVar(&opts.texts, "text", nil, "prompt to replay; repeatable (defaults to a built-in set)")
	f.StringSliceVar(&opts.tools, "tool", nil, "tool section to enable on every turn; repeatable")
	f.DurationVar(&opts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 60*time.Second, "timeout waiting for a terminal chunk")
	f.BoolVar(&opts.verbose, "verbose", true, "print every turn")
	return cmd
}

func (o *perfOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("url is required")
	}
	if o.turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if len(o.texts) == 0 {
		o.texts = append([]string(nil), defaultPrompts...)
	}
	return nil
}

func runPerf(ctx context.Context, out io.Writer, opts perfOptions) error {
	wsURL, err := wsURLFor(opts.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	chatID := "perf-" + uuid.NewString()
	if opts.verbose {
		fmt.Fprintf(out, "perf: chat=%s turns=%d\n", chatID, opts.turns)
	}

	var history []protocol.Message
	timings := make([]turnTiming, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		history = append(history, protocol.Message{ID: uuid.NewString(), Role: protocol.RoleUser, Content: text})
		req := protocol.StreamRequest{
			ChatID:             chatID,
			Auth:               protocol.Auth{UserID: opts.userID},
			Messages:           history,
			RequestTimestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			AssistantMessageID: uuid.NewString(),
		}
		for _, name := range opts.tools {
			req.Tools = append(req.Tools, protocol.Tool{Name: name, Enabled: true})
		}

		turnCtx, cancel := context.WithTimeout(ctx, opts.turnTimeout)
		timing, content, err := replayTurn(turnCtx, wsURL, req)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		history = append(history, protocol.Message{ID: req.AssistantMessageID, Role: protocol.RoleAssistant, Content: content})
		if opts.verbose {
			fmt.Fprintf(out, "perf: turn %d/%d first_token=%s total=%s tokens=%d end=%s\n",
				i+1, opts.turns, timing.FirstToken.Round(time.Millisecond), timing.Total.Round(time.Millisecond), timing.Tokens, timing.Terminal)
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interTurnDelay):
			}
		}
	}

	fmt.Fprintln(out, summarize(timings))
	if snap, err := fetchStageSnapshot(ctx, opts.baseURL); err == nil {
		fmt.Fprintf(out, "perf: server stages %s\n", snap)
	}
	return nil
}

// replayTurn streams one request and returns its timing and final content.
func replayTurn(ctx context.Context, wsURL string, req protocol.StreamRequest) (turnTiming, string, error) {
	var timing turnTiming
	started := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return timing, "", fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		return timing, "", fmt.Errorf("send request: %w", err)
	}

	var content strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return timing, content.String(), fmt.Errorf("stream ended without terminal chunk: %w", err)
		}
		ch, err := protocol.ParseLine(data)
		if err != nil {
			continue
		}
		switch d := ch.Payload.(type) {
		case protocol.TokenData:
			if timing.Tokens == 0 {
				timing.FirstToken = time.Since(started)
			}
			timing.Tokens++
			content.WriteString(d.Token)
		case protocol.CompleteData:
			timing.Total = time.Since(started)
			timing.Terminal = ch.Type
			return timing, d.FinalContent, nil
		case protocol.ErrorData:
			timing.Total = time.Since(started)
			timing.Terminal = ch.Type
			return timing, content.String(), nil
		}
	}
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "perf: no turns"
	}
	first := make([]time.Duration, 0, len(timings))
	total := make([]time.Duration, 0, len(timings))
	errored := 0
	for _, t := range timings {
		first = append(first, t.FirstToken)
		total = append(total, t.Total)
		if t.Terminal == protocol.TypeError {
			errored++
		}
	}
	return fmt.Sprintf("perf: turns=%d errored=%d first_token p50=%s p95=%s total p50=%s p95=%s",
		len(timings), errored,
		percentile(first, 0.50), percentile(first, 0.95),
		percentile(total, 0.50), percentile(total, 0.95))
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(q*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank].Round(time.Millisecond)
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}

func fetchStageSnapshot(ctx context.Context, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("perf latency status %d", res.StatusCode)
	}
	var snap json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return "", err
	}
	return string(snap), nil
}

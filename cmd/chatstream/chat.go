package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/conversation"
	"github.com/antoniostano/chatstream/internal/logging"
	"github.com/antoniostano/chatstream/internal/protocol"
	"github.com/antoniostano/chatstream/internal/streamclient"
)

type chatOptions struct {
	baseURL       string
	chatID        string
	userID        string
	tools         []string
	filterID      string
	regenerate    string
	flushInterval time.Duration
	logLevel      string
}

func newChatCmd() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the proxy and print the reply as it streams",
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.regenerate == "" && len(args) == 0 {
				return errors.New("a message is required unless --regenerate is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", envOr("CHATSTREAM_URL", "http://127.0.0.1:8080"), "proxy base URL")
	f.StringVar(&opts.chatID, "chat", "", "chat id")
	f.StringVar(&opts.userID, "user", "", "user id")
	f.StringSliceVar(&opts.tools, "tool", nil, "enable a tool section (tool-t, tool-h, tool-f); repeatable")
	f.StringVar(&opts.filterID, "filter", "", "filter id attached to the user message")
	f.StringVar(&opts.regenerate, "regenerate", "", "assistant message id to regenerate instead of sending")
	f.DurationVar(&opts.flushInterval, "flush-interval", conversation.DefaultFlushInterval, "partial save interval while streaming")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runChat(parent context.Context, stdout, stderr io.Writer, opts chatOptions, text string) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := logging.NewWithWriter(opts.logLevel, "console", stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client := streamclient.New(streamclient.Config{BaseURL: opts.baseURL, Logger: logger})
	printer := &tokenPrinter{w: stdout}
	tools := make([]protocol.Tool, 0, len(opts.tools))
	for _, name := range opts.tools {
		tools = append(tools, protocol.Tool{Name: strings.TrimSpace(name), Enabled: true})
	}
	ctrl := conversation.NewController(client, client, conversation.Config{
		UserID:        opts.userID,
		Tools:         tools,
		FlushInterval: opts.flushInterval,
		Logger:        logger,
		OnUpdate:      func(u conversation.Update) { printer.update(u.Message.Content) },
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := ctrl.Load(ctx, opts.chatID); err != nil {
		return err
	}

	var active *conversation.ActiveSession
	if opts.regenerate != "" {
		active, err = ctrl.Regenerate(ctx, opts.chatID, opts.regenerate)
	} else {
		active, err = ctrl.Send(ctx, opts.chatID, text, conversation.SendOptions{FilterID: opts.filterID})
	}
	if err != nil {
		return err
	}

	// Ctrl-C stops the turn; the controller saves what arrived as interrupted.
	go func() {
		select {
		case <-ctx.Done():
			if err := ctrl.Shutdown(context.Background()); err != nil {
				logger.Warn("shutdown did not finish", zap.Error(err))
			}
		case <-active.Done():
		}
	}()

	res, err := active.Wait(context.Background())
	if err != nil {
		return err
	}
	printer.finish(res.Content)
	return report(stderr, res)
}

func report(w io.Writer, res conversation.Result) error {
	switch res.State {
	case conversation.StateCompleted:
		return nil
	case conversation.StateErrored:
		fmt.Fprintf(w, "[errored, retryable=%t] %v\n", res.Retryable, res.Err)
		return fmt.Errorf("turn %s failed: %w", res.MessageID, res.Err)
	default:
		fmt.Fprintf(w, "[interrupted, saved=%t, retryable=%t] %v\n", res.Saved, res.Retryable, res.Err)
		return nil
	}
}

// tokenPrinter writes only what is new since the previous update. When the
// content was resynced and no longer extends what was printed, the whole
// content is printed again on a fresh line.
type tokenPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed string
}

func (p *tokenPrinter) update(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(content, p.printed) {
		_, _ = io.WriteString(p.w, content[len(p.printed):])
	} else {
		_, _ = io.WriteString(p.w, "\n"+content)
	}
	p.printed = content
}

func (p *tokenPrinter) finish(content string) {
	p.update(content)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, "\n")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

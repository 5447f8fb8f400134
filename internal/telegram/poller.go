// ABOUTME: Long-polling loop turning operator group messages into relay operator events
// ABOUTME: Recognizes the /new outreach command and ignores bots and other chats

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// UsageNew is posted when /new is missing its arguments.
const UsageNew = "Uso: /new <phone> <name>"

// DefaultPollTimeout is the getUpdates long-poll duration.
const DefaultPollTimeout = 30 * time.Second

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Handler receives what operators do in the group.
type Handler interface {
	// HandleOperatorMessage handles text an operator posted in a thread.
	HandleOperatorMessage(ctx context.Context, msg relay.OperatorMessage) error
	// HandleOutreach handles "/new <phone> <name>".
	HandleOutreach(ctx context.Context, phone, name, actor string) error
}

// Poller reads the operator group through getUpdates.
type Poller struct {
	client  *Client
	handler Handler
	timeout time.Duration
	logger  *slog.Logger

	offset int64
	selfID int64
}

// NewPoller creates a Poller. A zero timeout uses DefaultPollTimeout.
func NewPoller(client *Client, handler Handler, timeout time.Duration, logger *slog.Logger) *Poller {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  client,
		handler: handler,
		timeout: timeout,
		logger:  logger.With("component", "telegram-poller"),
	}
}

// Run polls until ctx is cancelled. Transient API errors are retried with
// backoff; Run only returns ctx's error.
func (p *Poller) Run(ctx context.Context) error {
	if me, err := p.client.GetMe(ctx); err == nil {
		p.selfID = me.ID
		p.logger.Info("polling operator group", "bot", me.Username, "group_id", p.client.GroupID())
	} else {
		p.logger.Warn("getMe failed, own messages are filtered by is_bot only", "error", err)
	}

	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.PollOnce(ctx)
		if err == nil {
			backoff = minBackoff
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		p.logger.Warn("polling failed", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// PollOnce fetches one batch of updates and handles them in order.
//
// A storage failure stops the batch without confirming the failed update,
// so the next poll receives it again. Other handler errors are logged and
// the batch goes on.
func (p *Poller) PollOnce(ctx context.Context) error {
	updates, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.Message != nil {
			if err := p.handleMessage(ctx, u.Message); err != nil {
				var se *store.StorageError
				if errors.As(err, &se) {
					p.offset = u.UpdateID
					return fmt.Errorf("update %d: %w", u.UpdateID, err)
				}
			}
		}
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
	}
	return nil
}

func (p *Poller) handleMessage(ctx context.Context, m *Message) error {
	if m.Chat.ID != p.client.GroupID() {
		p.logger.Debug("ignoring message from other chat", "chat_id", m.Chat.ID)
		return nil
	}
	if m.From == nil || m.From.IsBot || (p.selfID != 0 && m.From.ID == p.selfID) {
		return nil
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}

	var topicID int64
	if m.IsTopicMessage {
		topicID = m.MessageThreadID
	}
	author := m.From.DisplayName()

	if args, ok := commandArgs(text, "new"); ok {
		return p.handleNew(ctx, topicID, args, author)
	}

	err := p.handler.HandleOperatorMessage(ctx, relay.OperatorMessage{
		TopicID: topicID,
		Author:  author,
		Text:    text,
	})
	if err != nil {
		p.logger.Error("operator message failed", "topic_id", topicID, "error", err)
	}
	return err
}

func (p *Poller) handleNew(ctx context.Context, topicID int64, args []string, author string) error {
	if len(args) < 2 {
		if _, err := p.client.SendMessage(ctx, topicID, UsageNew, true); err != nil {
			p.logger.Warn("failed to send usage", "error", err)
		}
		return nil
	}

	phone := args[0]
	name := strings.Join(args[1:], " ")
	err := p.handler.HandleOutreach(ctx, phone, name, author)
	if err != nil {
		p.logger.Error("outreach failed", "phone", phone, "error", err)
	}
	return err
}

// commandArgs reports whether text is /name (optionally /name@bot) and
// returns the remaining whitespace-separated arguments.
func commandArgs(text, name string) ([]string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	if !strings.EqualFold(cmd, "/"+name) {
		return nil, false
	}
	return fields[1:], true
}

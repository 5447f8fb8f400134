// ABOUTME: Operator-side delivery: topic creation, pinned client cards and thread messages
// ABOUTME: Satisfies the topic registry's creator and card publisher plus the thread half of relay.Sink

package telegram

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/relay"
)

// maxMessageLen is the Bot API limit for one text message, in characters.
const maxMessageLen = 4096

// CreateTopic creates the forum topic for a user.
func (c *Client) CreateTopic(ctx context.Context, name string) (int64, error) {
	id, err := c.CreateForumTopic(ctx, name)
	if err != nil {
		return 0, err
	}
	c.logger.Info("forum topic created", "topic_id", id, "name", name)
	return id, nil
}

// PublishCard posts the client card into a topic and pins it. Pinning is
// cosmetic, so a pin failure is logged and not returned.
func (c *Client) PublishCard(ctx context.Context, topicID int64, text string) error {
	msg, err := c.SendMessage(ctx, topicID, text, true)
	if err != nil {
		return fmt.Errorf("sending client card: %w", err)
	}
	if err := c.PinChatMessage(ctx, msg.MessageID); err != nil {
		c.logger.Warn("failed to pin client card", "topic_id", topicID, "error", err)
	}
	return nil
}

// SendToThread posts msg into a topic, split into several messages when it
// exceeds the Bot API limit. Buttons are not rendered in the group.
func (c *Client) SendToThread(ctx context.Context, topicID int64, msg relay.OutboundMessage) error {
	for _, part := range splitMessage(msg.Text, maxMessageLen) {
		if _, err := c.SendMessage(ctx, topicID, part, msg.Silent); err != nil {
			return err
		}
	}
	return nil
}

// ReopenThread reopens a topic so an alert lands in an open thread.
func (c *Client) ReopenThread(ctx context.Context, topicID int64) error {
	if topicID == 0 {
		return nil
	}
	return c.ReopenForumTopic(ctx, topicID)
}

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break at a newline in the second half of a chunk.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

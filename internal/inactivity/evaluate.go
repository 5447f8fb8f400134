// ABOUTME: Inactivity rule for human-mode conversations
// ABOUTME: Evaluate is the single authority on when a conversation falls back to the bot

package inactivity

import (
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// DefaultWindow is how long a conversation stays in human mode without operator activity.
const DefaultWindow = 60 * time.Minute

// Evaluate returns c demoted to bot mode if its operator activity is at
// least window old, and whether a demotion happened. It never mutates c
// and evaluating an already-demoted conversation is a no-op.
func Evaluate(c store.Conversation, now time.Time, window time.Duration) (store.Conversation, bool) {
	if c.Mode != store.ModeHuman {
		return c, false
	}
	if c.LastHumanActivityAt != nil && now.Sub(*c.LastHumanActivityAt) < window {
		return c, false
	}

	// a human conversation without a timestamp violates the mode invariant; repair it
	out := c
	out.Mode = store.ModeBot
	out.LastHumanActivityAt = nil
	return out, true
}

// Expired reports whether c would be demoted at now.
func Expired(c store.Conversation, now time.Time, window time.Duration) bool {
	_, demoted := Evaluate(c, now, window)
	return demoted
}

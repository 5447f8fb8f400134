// ABOUTME: Ledger event recording with actor attribution from the admin identity
// ABOUTME: Records delivery failures so transcripts show what never reached its destination

package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
)

// recordEvent saves a ledger event, filling Author from the request identity.
//
// Attribution rules:
//   - Admin API request: Author = "admin:<subject>"
//   - Anything else: Author stays as set, "system" when empty
func (g *Gateway) recordEvent(ctx context.Context, event *store.LedgerEvent) {
	if event.Author == "" {
		if id := auth.FromContext(ctx); id != nil {
			event.Author = "admin:" + id.Subject
		} else {
			event.Author = "system"
		}
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := g.store.SaveEvent(ctx, event); err != nil {
		g.logger.Warn("failed to record ledger event", "user_id", event.UserID, "type", event.Type, "error", err)
	}
}

// recordDeliveryFailure notes in the ledger that actions of a result failed.
func (g *Gateway) recordDeliveryFailure(ctx context.Context, userID string, topicID int64, err error) {
	if userID == "" || err == nil {
		return
	}
	text := err.Error()
	g.recordEvent(ctx, &store.LedgerEvent{
		UserID:    userID,
		TopicID:   topicID,
		Direction: store.EventDirectionSystem,
		Type:      store.EventTypeError,
		Text:      &text,
	})
}

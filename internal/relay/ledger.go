// ABOUTME: Ledger recording for routed messages and mode changes
// ABOUTME: Writes are best-effort; a failed write is logged and never blocks routing

package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

func (r *Router) record(ctx context.Context, event *store.LedgerEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.store.SaveEvent(ctx, event); err != nil {
		r.logger.Warn("failed to record ledger event",
			"user_id", event.UserID,
			"type", event.Type,
			"error", err,
		)
	}
}

func (r *Router) recordModeChange(ctx context.Context, conv *store.Conversation, reason string) {
	text := string(conv.Mode) + ": " + reason
	r.record(ctx, &store.LedgerEvent{
		UserID:    conv.UserID,
		TopicID:   conv.TopicID,
		Direction: store.EventDirectionSystem,
		Author:    "system",
		Type:      store.EventTypeModeChange,
		Text:      &text,
	})
}

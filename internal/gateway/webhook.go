// ABOUTME: WhatsApp Cloud API webhook endpoint with message id deduplication
// ABOUTME: Storage failures answer 500 so Meta redelivers; everything else is acknowledged

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/whatsapp"
)

// maxWebhookBody bounds the size of a webhook payload.
const maxWebhookBody = 1 << 20

// dispatchTimeout bounds the deliveries made for one inbound message.
const dispatchTimeout = 30 * time.Second

// handleWebhook processes a notification batch from the WhatsApp Cloud API.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		g.logger.Warn("invalid webhook payload", "error", err)
		g.sendJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	for _, msg := range msgs {
		if err := g.HandleUserMessage(r.Context(), msg); err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// HandleUserMessage routes one inbound WhatsApp message and delivers the
// resulting actions. The same message id is only processed once.
//
// Only storage failures are returned; the message is then left unmarked so
// a redelivery is processed again.
func (g *Gateway) HandleUserMessage(ctx context.Context, msg relay.InboundMessage) error {
	key := ""
	if msg.MessageID != "" {
		key = "wa:" + msg.MessageID
		seen, err := g.dedupe.Seen(ctx, key)
		if err != nil {
			g.logger.Warn("dedupe lookup failed, processing anyway", "message_id", msg.MessageID, "error", err)
		}
		if seen {
			g.metrics.DuplicateMessage()
			g.logger.Debug("duplicate webhook message ignored", "message_id", msg.MessageID)
			return nil
		}
	}

	res, err := g.router.HandleUserMessage(ctx, msg)
	var storageErr *store.StorageError
	var routingErr *relay.RoutingError
	switch {
	case err == nil:
	case errors.As(err, &storageErr):
		g.logger.Error("storage failure handling user message", "user_id", msg.UserID, "error", err)
		return err
	case errors.As(err, &routingErr):
		g.logger.Warn("user message routed without a topic", "user_id", msg.UserID, "error", err)
	case errors.Is(err, relay.ErrInvalidMessage):
		g.logger.Warn("dropping invalid message", "message_id", msg.MessageID, "error", err)
		return nil
	default:
		g.logger.Error("routing user message failed", "user_id", msg.UserID, "error", err)
		return nil
	}

	// Deliveries outlive the webhook request; Meta does not wait for them.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if derr := g.dispatcher.Dispatch(dctx, res); derr != nil {
		g.recordDeliveryFailure(dctx, res.UserID, res.TopicID, derr)
	}

	if key != "" {
		if err := g.dedupe.Mark(ctx, key); err != nil {
			g.logger.Warn("failed to mark message as seen", "message_id", msg.MessageID, "error", err)
		}
	}
	return nil
}

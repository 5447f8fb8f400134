// ABOUTME: Operator side of the gateway, fed by the Telegram poller
// ABOUTME: Routes topic replies and /new outreach, and reports failed deliveries back in the topic

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Notices posted back to operators when their action did not go through.
const (
	deliveryFailedNotice = "⚠️ No se pudo entregar el mensaje al cliente: %v"
	outreachFailedNotice = "⚠️ No se pudo iniciar la conversación: %v"
)

// HandleOperatorMessage routes a message an operator posted in the group.
// A *store.StorageError is returned untouched so the poller redelivers it.
func (g *Gateway) HandleOperatorMessage(ctx context.Context, msg relay.OperatorMessage) error {
	res, err := g.router.HandleOperatorMessage(ctx, msg)
	if err != nil {
		return err
	}

	if derr := g.dispatcher.Dispatch(ctx, res); derr != nil {
		g.recordDeliveryFailure(ctx, res.UserID, res.TopicID, derr)
		g.noticeFailure(ctx, msg.TopicID, fmt.Sprintf(deliveryFailedNotice, derr))
		return derr
	}
	return nil
}

// HandleOutreach starts a conversation with phone on behalf of an operator.
func (g *Gateway) HandleOutreach(ctx context.Context, phone, name, actor string) error {
	res, err := g.router.Outreach(ctx, phone, name, actor)
	if err != nil {
		// storage failures are retried by the poller; report only final ones
		var se *store.StorageError
		if !errors.As(err, &se) {
			g.noticeFailure(ctx, 0, fmt.Sprintf(outreachFailedNotice, err))
		}
		return err
	}

	if derr := g.dispatcher.Dispatch(ctx, res); derr != nil {
		g.recordDeliveryFailure(ctx, res.UserID, res.TopicID, derr)
		return derr
	}
	return nil
}

func (g *Gateway) noticeFailure(ctx context.Context, topicID int64, text string) {
	notice := relay.OutboundMessage{Text: text, Silent: true}
	if err := g.dispatcher.sink.SendToThread(ctx, topicID, notice); err != nil {
		g.logger.Warn("failed to post failure notice", "topic_id", topicID, "error", err)
	}
}

// ABOUTME: Executes router actions against the WhatsApp and Telegram sinks
// ABOUTME: Actions run in order; one failed delivery never blocks the rest

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/relay"
)

// UserSender delivers messages to end users.
type UserSender interface {
	SendToUser(ctx context.Context, userID string, msg relay.OutboundMessage) error
}

// ThreadSender delivers messages to operator threads.
type ThreadSender interface {
	SendToThread(ctx context.Context, topicID int64, msg relay.OutboundMessage) error
	ReopenThread(ctx context.Context, topicID int64) error
}

type joinedSink struct {
	UserSender
	ThreadSender
}

// JoinSink combines a user channel and an operator channel into a relay.Sink.
func JoinSink(users UserSender, threads ThreadSender) relay.Sink {
	return joinedSink{UserSender: users, ThreadSender: threads}
}

// Dispatcher performs the actions of a relay.Result.
type Dispatcher struct {
	sink    relay.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(sink relay.Sink, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
	}
}

// Dispatch runs every action of res in order and returns the joined
// delivery errors.
func (d *Dispatcher) Dispatch(ctx context.Context, res *relay.Result) error {
	if res == nil {
		return nil
	}

	var errs []error
	for _, a := range res.Actions {
		err := d.perform(ctx, a)
		d.metrics.ActionDispatched(string(a.Kind), err)
		if err != nil {
			d.logger.Warn("action failed",
				"kind", a.Kind,
				"user_id", a.UserID,
				"topic_id", a.TopicID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", a.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) perform(ctx context.Context, a relay.Action) error {
	switch a.Kind {
	case relay.ActionSendToUser:
		return d.sink.SendToUser(ctx, a.UserID, a.Message)
	case relay.ActionSendToThread:
		return d.sink.SendToThread(ctx, a.TopicID, a.Message)
	case relay.ActionNotifyOperators:
		return d.sink.SendToThread(ctx, 0, a.Message)
	case relay.ActionAlertThread:
		if err := d.sink.ReopenThread(ctx, a.TopicID); err != nil {
			// A closed topic still accepts the message for most groups.
			d.logger.Warn("failed to reopen topic", "topic_id", a.TopicID, "error", err)
		}
		msg := a.Message
		msg.Silent = false
		return d.sink.SendToThread(ctx, a.TopicID, msg)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

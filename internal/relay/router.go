// ABOUTME: Hybrid router deciding, per message, whether the bot or an operator handles a conversation
// ABOUTME: Serializes work per user, mirrors every user message and applies the inactivity rule lazily

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/inactivity"
	"github.com/2389/coven-relay/internal/keylock"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/topics"
)

// sweepBatch bounds how many human conversations one sweep looks at.
const sweepBatch = 1000

// Router is the per-conversation hybrid routing state machine.
type Router struct {
	store     ConversationStore
	topics    TopicRegistry
	responder Responder
	policy    Policy
	metrics   *metrics.Metrics
	locks     *keylock.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter creates a Router. m may be nil.
func NewRouter(s ConversationStore, reg TopicRegistry, responder Responder, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.HumanTimeout <= 0 {
		policy.HumanTimeout = inactivity.DefaultWindow
	}
	return &Router{
		store:     s,
		topics:    reg,
		responder: responder,
		policy:    policy,
		metrics:   m,
		locks:     keylock.New(),
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Policy returns the router's policy.
func (r *Router) Policy() Policy {
	return r.policy
}

// HandleUserMessage routes a message from an end user.
//
// The conversation is created on first contact and given an operator topic.
// The text is always mirrored into that topic. A stale human conversation is
// demoted before anything else is decided; user messages never refresh the
// operator timer. In bot mode the responder is consulted.
//
// A *store.StorageError means nothing was decided and the message must not
// be treated as handled. A *RoutingError is returned together with a
// usable Result: the topic could not be created but the bot still replied.
func (r *Router) HandleUserMessage(ctx context.Context, msg InboundMessage) (*Result, error) {
	start := time.Now()
	defer r.metrics.ObserveHandle("user", start)

	if strings.TrimSpace(msg.UserID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidMessage)
	}
	r.metrics.MessageReceived("user")

	if msg.ButtonID != "" && msg.ButtonID == r.policy.ReturnButton.ID {
		return r.releaseByButton(ctx, msg)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.logger.Debug("ignoring empty user message", "user_id", msg.UserID)
		return &Result{UserID: msg.UserID}, nil
	}

	unlock, err := r.locks.Lock(ctx, msg.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, created, err := r.store.GetOrCreateConversation(ctx, msg.UserID, msg.DisplayName)
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.Info("new conversation", "user_id", msg.UserID)
	}

	res := &Result{UserID: conv.UserID, TopicID: conv.TopicID, Mode: conv.Mode}
	var routingErr *RoutingError

	if !conv.HasTopic() {
		topicID, err := r.topics.EnsureTopic(ctx, msg.UserID, msg.DisplayName)
		var se *store.StorageError
		switch {
		case errors.As(err, &se):
			return nil, err
		case err != nil:
			routingErr = &RoutingError{UserID: msg.UserID, Err: err}
			r.metrics.RoutingError("topic")
			r.logger.Error("failed to create topic", "user_id", msg.UserID, "error", err)
			res.add(Action{
				Kind: ActionNotifyOperators,
				Message: OutboundMessage{
					Text: fmt.Sprintf("⚠️ No se pudo crear el topic de %s\n\n%s", topics.TopicName(msg.UserID, msg.DisplayName), text),
				},
			})
		default:
			res.TopicID = topicID
		}
	}

	r.record(ctx, &store.LedgerEvent{
		UserID:    msg.UserID,
		TopicID:   res.TopicID,
		Direction: store.EventDirectionFromUser,
		Author:    msg.UserID,
		Type:      store.EventTypeMessage,
		Text:      &text,
	})

	now := r.now()
	conv, demoted, err := r.refresh(ctx, conv, msg.DisplayName, now)
	if err != nil {
		return nil, err
	}
	res.Mode = conv.Mode
	res.Demoted = demoted

	if res.TopicID != 0 {
		// operators only get a notification when they are expected to answer
		res.Actions = append([]Action{{
			Kind:    ActionSendToThread,
			UserID:  msg.UserID,
			TopicID: res.TopicID,
			Message: OutboundMessage{Text: text, Silent: conv.Mode == store.ModeBot},
		}}, res.Actions...)
	}

	if demoted {
		r.onDemoted(ctx, res, "timeout")
	}

	if conv.Mode == store.ModeHuman {
		r.logger.Debug("human mode, awaiting operator", "user_id", msg.UserID)
		return res, routingErrOrNil(routingErr)
	}

	r.answer(ctx, res, text)
	return res, routingErrOrNil(routingErr)
}

// refresh applies the inactivity rule and a display name change in a single
// atomic update. Nothing is written when neither applies.
func (r *Router) refresh(ctx context.Context, conv *store.Conversation, displayName string, now time.Time) (*store.Conversation, bool, error) {
	_, stale := inactivity.Evaluate(*conv, now, r.policy.HumanTimeout)
	rename := displayName != "" && displayName != conv.DisplayName
	if !stale && !rename {
		return conv, false, nil
	}

	demoted := false
	updated, err := r.store.UpdateConversation(ctx, conv.UserID, func(c *store.Conversation) error {
		next, d := inactivity.Evaluate(*c, now, r.policy.HumanTimeout)
		if d {
			c.Mode = next.Mode
			c.LastHumanActivityAt = next.LastHumanActivityAt
		}
		if rename {
			c.DisplayName = displayName
		}
		demoted = d
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, demoted, nil
}

func (r *Router) answer(ctx context.Context, res *Result, text string) {
	answer, found, err := r.responder.Query(ctx, text)
	if err != nil {
		r.metrics.ResponderResult("error")
		r.logger.Warn("responder failed, treating as no answer", "user_id", res.UserID, "error", err)
		found = false
	}

	if found {
		r.metrics.ResponderResult("answered")
		res.add(Action{Kind: ActionSendToUser, UserID: res.UserID, Message: OutboundMessage{Text: answer}})
		r.record(ctx, &store.LedgerEvent{
			UserID:    res.UserID,
			TopicID:   res.TopicID,
			Direction: store.EventDirectionToUser,
			Author:    "bot",
			Type:      store.EventTypeReply,
			Text:      &answer,
		})
		if res.TopicID != 0 {
			res.add(Action{
				Kind:    ActionSendToThread,
				UserID:  res.UserID,
				TopicID: res.TopicID,
				Message: OutboundMessage{Text: "🤖 " + answer, Silent: true},
			})
		}
		return
	}

	if err == nil {
		r.metrics.ResponderResult("no_answer")
	}
	if fb := r.policy.FallbackMessage; fb != "" {
		res.add(Action{Kind: ActionSendToUser, UserID: res.UserID, Message: OutboundMessage{Text: fb}})
	}
	if r.policy.EscalateOnNoAnswer && res.TopicID != 0 {
		res.add(Action{
			Kind:    ActionAlertThread,
			UserID:  res.UserID,
			TopicID: res.TopicID,
			Message: OutboundMessage{Text: fmt.Sprintf("🔔 Sin respuesta automática para: %q", text)},
		})
	}
}

// HandleOperatorMessage routes an operator's message posted in a topic.
// Any operator message in a bound topic claims the conversation for a
// human and restarts the inactivity window. Messages in unbound topics,
// including the general thread, are ignored.
func (r *Router) HandleOperatorMessage(ctx context.Context, msg OperatorMessage) (*Result, error) {
	start := time.Now()
	defer r.metrics.ObserveHandle("operator", start)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &Result{TopicID: msg.TopicID}, nil
	}
	r.metrics.MessageReceived("operator")

	userID, err := r.topics.Resolve(ctx, msg.TopicID)
	if errors.Is(err, topics.ErrTopicNotFound) {
		r.logger.Info("ignoring message in unbound topic", "topic_id", msg.TopicID)
		return &Result{TopicID: msg.TopicID}, nil
	}
	if err != nil {
		return nil, err
	}

	if isCommand(text, "bot") {
		author := msg.Author
		if author == "" {
			author = "operator"
		}
		return r.ReleaseToBot(ctx, userID, author)
	}

	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := r.now()
	wasBot := false
	conv, err := r.store.UpdateConversation(ctx, userID, func(c *store.Conversation) error {
		wasBot = c.Mode != store.ModeHuman
		ts := now
		c.Mode = store.ModeHuman
		c.LastHumanActivityAt = &ts
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wasBot {
		r.metrics.ModeTransition(string(store.ModeHuman), "operator_message")
		r.recordModeChange(ctx, conv, "operator took over")
		r.logger.Info("conversation claimed by operator", "user_id", userID, "topic_id", msg.TopicID)
	}

	out := OutboundMessage{Text: text}
	if r.policy.ReturnButton.ID != "" && utf8.RuneCountInString(text) <= MaxButtonBodyLen {
		out.Buttons = []Button{r.policy.ReturnButton}
	}

	r.record(ctx, &store.LedgerEvent{
		UserID:    userID,
		TopicID:   msg.TopicID,
		Direction: store.EventDirectionFromOperator,
		Author:    msg.Author,
		Type:      store.EventTypeMessage,
		Text:      &text,
	})

	return &Result{
		UserID:  userID,
		TopicID: msg.TopicID,
		Mode:    conv.Mode,
		Actions: []Action{{Kind: ActionSendToUser, UserID: userID, TopicID: msg.TopicID, Message: out}},
	}, nil
}

// ReleaseToBot hands a conversation back to the bot before the inactivity
// window ends. actor names who asked ("user", an operator, "admin").
func (r *Router) ReleaseToBot(ctx context.Context, userID, actor string) (*Result, error) {
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wasHuman := false
	conv, err := r.store.UpdateConversation(ctx, userID, func(c *store.Conversation) error {
		wasHuman = c.Mode == store.ModeHuman
		c.Mode = store.ModeBot
		c.LastHumanActivityAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{UserID: userID, TopicID: conv.TopicID, Mode: conv.Mode}
	if wasHuman {
		r.metrics.ModeTransition(string(store.ModeBot), "released")
		r.recordModeChange(ctx, conv, "released by "+actor)
		r.logger.Info("conversation released to bot", "user_id", userID, "actor", actor)
		if conv.HasTopic() {
			res.add(Action{
				Kind:    ActionSendToThread,
				UserID:  userID,
				TopicID: conv.TopicID,
				Message: OutboundMessage{Text: fmt.Sprintf("🤖 Conversación devuelta al bot (%s).", actor), Silent: true},
			})
		}
	}
	if r.policy.ReleaseConfirmation != "" {
		res.add(Action{Kind: ActionSendToUser, UserID: userID, Message: OutboundMessage{Text: r.policy.ReleaseConfirmation}})
	}
	return res, nil
}

// releaseByButton handles a press of the return button. The press is
// mirrored silently into the topic whatever the mode was.
func (r *Router) releaseByButton(ctx context.Context, msg InboundMessage) (*Result, error) {
	res, err := r.ReleaseToBot(ctx, msg.UserID, "user")
	if err != nil {
		return nil, err
	}
	if res.TopicID == 0 {
		return res, nil
	}

	text := "[botón] " + r.policy.ReturnButton.Title
	r.record(ctx, &store.LedgerEvent{
		UserID:    msg.UserID,
		TopicID:   res.TopicID,
		Direction: store.EventDirectionFromUser,
		Author:    msg.UserID,
		Type:      store.EventTypeMessage,
		Text:      &text,
	})
	res.Actions = append([]Action{{
		Kind:    ActionSendToThread,
		UserID:  msg.UserID,
		TopicID: res.TopicID,
		Message: OutboundMessage{Text: text, Silent: true},
	}}, res.Actions...)
	return res, nil
}

// Outreach starts a conversation from the operator side: it makes sure the
// user has a conversation and a topic, then greets them.
func (r *Router) Outreach(ctx context.Context, userID, displayName, actor string) (*Result, error) {
	userID = strings.TrimPrefix(strings.TrimSpace(userID), "+")
	if userID == "" {
		return nil, fmt.Errorf("%w: empty phone number", ErrInvalidMessage)
	}

	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	topicID, err := r.topics.EnsureTopic(ctx, userID, displayName)
	if err != nil {
		var se *store.StorageError
		if errors.As(err, &se) {
			return nil, err
		}
		r.metrics.RoutingError("topic")
		return nil, &RoutingError{UserID: userID, Err: err}
	}

	conv, err := r.store.GetConversation(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &Result{UserID: userID, TopicID: topicID, Mode: conv.Mode}
	res.add(Action{
		Kind:    ActionNotifyOperators,
		UserID:  userID,
		Message: OutboundMessage{Text: fmt.Sprintf("Topic creado/encontrado: %d", topicID), Silent: true},
	})

	if welcome := r.policy.WelcomeMessage; welcome != "" {
		name := displayName
		if name == "" {
			name = conv.DisplayName
		}
		text := strings.TrimSpace(strings.ReplaceAll(welcome, "{name}", name))
		res.add(Action{Kind: ActionSendToUser, UserID: userID, Message: OutboundMessage{Text: text}})
		r.record(ctx, &store.LedgerEvent{
			UserID:    userID,
			TopicID:   topicID,
			Direction: store.EventDirectionToUser,
			Author:    actor,
			Type:      store.EventTypeSystem,
			Text:      &text,
		})
	}

	res.add(Action{
		Kind:    ActionSendToThread,
		UserID:  userID,
		TopicID: topicID,
		Message: OutboundMessage{Text: fmt.Sprintf("📣 Outreach iniciado por %s.", actor), Silent: true},
	})
	return res, nil
}

// DemoteStale demotes every human conversation whose window has passed and
// reports how many changed.
func (r *Router) DemoteStale(ctx context.Context) (int, error) {
	res, err := r.SweepStale(ctx)
	return len(res), err
}

// SweepStale is DemoteStale returning the per-conversation results so the
// caller can deliver the demotion notices.
//
// Conversations are visited stalest first, at most sweepBatch per call. A
// failure on one conversation does not stop the others; the failures are
// joined and returned with the results that did succeed.
func (r *Router) SweepStale(ctx context.Context) ([]*Result, error) {
	start := time.Now()
	defer r.metrics.ObserveSweep(start)

	human := store.ModeHuman
	convs, err := r.store.ListConversations(ctx, store.ConversationFilter{
		Mode:         &human,
		Limit:        sweepBatch,
		StalestFirst: true,
	})
	if err != nil {
		return nil, err
	}

	now := r.now()
	var results []*Result
	var errs []error
	for _, c := range convs {
		if !inactivity.Expired(*c, now, r.policy.HumanTimeout) {
			// stalest first: nothing after this one has expired either
			break
		}
		res, err := r.demote(ctx, c.UserID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("demoting %s: %w", c.UserID, err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// demote re-evaluates under the user's lock; an operator may have spoken
// since the listing.
func (r *Router) demote(ctx context.Context, userID string, now time.Time) (*Result, error) {
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	demoted := false
	conv, err := r.store.UpdateConversation(ctx, userID, func(c *store.Conversation) error {
		next, d := inactivity.Evaluate(*c, now, r.policy.HumanTimeout)
		if d {
			c.Mode = next.Mode
			c.LastHumanActivityAt = next.LastHumanActivityAt
		}
		demoted = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !demoted {
		return nil, nil
	}

	res := &Result{UserID: userID, TopicID: conv.TopicID, Mode: conv.Mode, Demoted: true}
	r.onDemoted(ctx, res, "sweep")
	return res, nil
}

func (r *Router) onDemoted(ctx context.Context, res *Result, reason string) {
	r.metrics.ModeTransition(string(store.ModeBot), reason)
	r.logger.Info("conversation returned to bot after inactivity",
		"user_id", res.UserID,
		"reason", reason,
		"window", r.policy.HumanTimeout,
	)
	r.recordModeChange(ctx, &store.Conversation{UserID: res.UserID, TopicID: res.TopicID, Mode: store.ModeBot}, "inactivity "+reason)

	if r.policy.NotifyOnDemotion && res.TopicID != 0 {
		res.add(Action{
			Kind:    ActionSendToThread,
			UserID:  res.UserID,
			TopicID: res.TopicID,
			Message: OutboundMessage{
				Text:   fmt.Sprintf("⏱️ Sin actividad del operador por %s: la conversación volvió al bot.", r.policy.HumanTimeout),
				Silent: true,
			},
		})
	}
}

// isCommand reports whether text is /name, optionally addressed as /name@bot.
func isCommand(text, name string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.EqualFold(cmd, "/"+name)
}

func routingErrOrNil(err *RoutingError) error {
	if err == nil {
		return nil
	}
	return err
}

// ABOUTME: Topic registry keeping one operator forum topic per end user
// ABOUTME: Creates topics lazily and exactly once, even under concurrent first contact

package topics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/keylock"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
)

// ErrTopicNotFound is returned when no conversation is bound to a topic
var ErrTopicNotFound = errors.New("topic not bound to any conversation")

// maxTopicNameLen is the forum topic name limit enforced by Telegram.
const maxTopicNameLen = 128

// TopicCreator creates a forum topic in the operator group and returns its id.
type TopicCreator interface {
	CreateTopic(ctx context.Context, name string) (int64, error)
}

// CardPublisher posts a pinned client card into a freshly created topic.
type CardPublisher interface {
	PublishCard(ctx context.Context, topicID int64, text string) error
}

// BindingStore is what the registry needs from storage.
type BindingStore interface {
	GetOrCreateConversation(ctx context.Context, userID, displayName string) (*store.Conversation, bool, error)
	GetConversationByTopic(ctx context.Context, topicID int64) (*store.Conversation, error)
	BindTopic(ctx context.Context, userID string, topicID int64) (*store.Conversation, error)
}

// Registry maps end users to operator topics.
type Registry struct {
	store   BindingStore
	creator TopicCreator
	cards   CardPublisher
	metrics *metrics.Metrics
	locks   *keylock.Locker
	logger  *slog.Logger
}

// New creates a Registry. cards and m may be nil.
func New(s BindingStore, creator TopicCreator, cards CardPublisher, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   s,
		creator: creator,
		cards:   cards,
		metrics: m,
		locks:   keylock.New(),
		logger:  logger.With("component", "topics"),
	}
}

// TopicName returns the deterministic topic label for a user.
func TopicName(userID, displayName string) string {
	phone := "+" + strings.TrimPrefix(strings.TrimSpace(userID), "+")
	name := strings.TrimSpace(displayName)

	label := phone
	if name != "" {
		label = fmt.Sprintf("%s (%s)", phone, name)
	}
	return truncateRunes(label, maxTopicNameLen)
}

// ClientCard renders the card pinned at the top of a new topic.
func ClientCard(userID, displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "Desconocido"
	}
	phone := strings.TrimPrefix(userID, "+")
	return fmt.Sprintf("👤 Cliente: %s\n📱 Cel: +%s\n🔗 WhatsApp: https://wa.me/%s\nℹ️ Status: Nuevo", name, phone, phone)
}

// EnsureTopic returns the topic bound to userID, creating and binding one
// if none exists. At most one topic is ever bound per user: concurrent
// callers in this process are serialized per user, and a caller that loses
// the store's compare-and-set adopts the winner's topic.
func (r *Registry) EnsureTopic(ctx context.Context, userID, displayName string) (int64, error) {
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	conv, _, err := r.store.GetOrCreateConversation(ctx, userID, displayName)
	if err != nil {
		return 0, err
	}
	if conv.HasTopic() {
		return conv.TopicID, nil
	}

	name := TopicName(userID, displayName)
	topicID, err := r.creator.CreateTopic(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("creating topic %q: %w", name, err)
	}

	bound, err := r.store.BindTopic(ctx, userID, topicID)
	if errors.Is(err, store.ErrTopicAlreadyBound) {
		// another process bound first; our topic is orphaned
		r.metrics.TopicRaceLost()
		r.logger.Warn("lost topic bind race, adopting existing topic",
			"user_id", userID,
			"orphaned_topic_id", topicID,
			"topic_id", bound.TopicID,
		)
		return bound.TopicID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("binding topic %d: %w", topicID, err)
	}

	r.metrics.TopicCreated()
	r.logger.Info("created topic", "user_id", userID, "topic_id", topicID)

	if r.cards != nil {
		if err := r.cards.PublishCard(ctx, topicID, ClientCard(userID, displayName)); err != nil {
			r.logger.Warn("failed to publish client card", "topic_id", topicID, "error", err)
		}
	}

	return topicID, nil
}

// Resolve returns the user bound to topicID.
func (r *Registry) Resolve(ctx context.Context, topicID int64) (string, error) {
	if topicID == 0 {
		return "", ErrTopicNotFound
	}
	conv, err := r.store.GetConversationByTopic(ctx, topicID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTopicNotFound
	}
	if err != nil {
		return "", err
	}
	return conv.UserID, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

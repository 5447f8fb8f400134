// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines Conversation, LedgerEvent and the Store contract used by the router and registry

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrTopicAlreadyBound is returned when a conversation already has a topic
var ErrTopicAlreadyBound = errors.New("conversation already bound to a topic")

// ErrDuplicateTopic is returned when a topic is already bound to another conversation
var ErrDuplicateTopic = errors.New("topic bound to another conversation")

// StorageError reports that the backing store could not serve an operation.
// Callers must not treat the triggering message as handled.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a *StorageError unless it is a domain sentinel.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTopicAlreadyBound) || errors.Is(err, ErrDuplicateTopic) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Mode is the routing state of a conversation
type Mode string

const (
	ModeBot   Mode = "bot"   // inbound messages answered automatically
	ModeHuman Mode = "human" // an operator is expected to respond
)

// Conversation is the per-user routing state. One exists per end user and it
// is never deleted.
type Conversation struct {
	UserID              string
	DisplayName         string
	Mode                Mode
	TopicID             int64 // 0 until a thread is bound
	LastHumanActivityAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasTopic reports whether an operator thread is bound to the conversation.
func (c *Conversation) HasTopic() bool {
	return c.TopicID != 0
}

// Clone returns a deep copy so callers never share the timestamp pointer.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastHumanActivityAt != nil {
		ts := *c.LastHumanActivityAt
		out.LastHumanActivityAt = &ts
	}
	return &out
}

// ConversationFilter specifies filtering options for listing conversations.
type ConversationFilter struct {
	Mode  *Mode // filter by mode
	Limit int   // defaults to 100

	// StalestFirst orders by last operator activity, oldest first, with
	// conversations that have none at the front. The default order is most
	// recently updated first.
	StalestFirst bool
}

// Mutator changes a conversation inside an atomic read-modify-write.
// Returning an error aborts the update without writing anything.
type Mutator func(c *Conversation) error

// Store defines the persistence contract for conversations and their ledger
type Store interface {
	// Conversations
	GetOrCreateConversation(ctx context.Context, userID, displayName string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, userID string) (*Conversation, error)
	GetConversationByTopic(ctx context.Context, topicID int64) (*Conversation, error)
	UpdateConversation(ctx context.Context, userID string, mutate Mutator) (*Conversation, error)
	BindTopic(ctx context.Context, userID string, topicID int64) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// Ledger events (audit and analytics)
	SaveEvent(ctx context.Context, event *LedgerEvent) error
	ListEvents(ctx context.Context, userID string, limit int) ([]*LedgerEvent, error)

	// Close releases any resources held by the store
	Close() error
}

// ABOUTME: Read-through LRU cache in front of a Store for hot conversation lookups
// ABOUTME: Caches by user and by topic; every write refreshes or evicts the cached entry

package store

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds the number of cached conversations.
const DefaultCacheSize = 1024

// CachedStore wraps a Store and serves conversation reads from an LRU.
// Writes go straight to the backing store and the result replaces the
// cached copy, so a read never observes a state older than the last
// write made through this wrapper.
type CachedStore struct {
	Store
	byUser  *lru.Cache // user ID -> *Conversation
	byTopic *lru.Cache // topic ID -> user ID
}

// NewCachedStore wraps backing with an LRU of the given size.
func NewCachedStore(backing Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	byUser, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating conversation cache: %w", err)
	}
	byTopic, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating topic cache: %w", err)
	}
	return &CachedStore{Store: backing, byUser: byUser, byTopic: byTopic}, nil
}

func (c *CachedStore) remember(conv *Conversation) {
	if conv == nil {
		return
	}
	c.byUser.Add(conv.UserID, conv.Clone())
	if conv.HasTopic() {
		c.byTopic.Add(conv.TopicID, conv.UserID)
	}
}

// GetOrCreateConversation always consults the backing store so the created flag stays accurate.
func (c *CachedStore) GetOrCreateConversation(ctx context.Context, userID, displayName string) (*Conversation, bool, error) {
	conv, created, err := c.Store.GetOrCreateConversation(ctx, userID, displayName)
	if err != nil {
		return nil, false, err
	}
	c.remember(conv)
	return conv, created, nil
}

// GetConversation returns the cached conversation or loads it.
func (c *CachedStore) GetConversation(ctx context.Context, userID string) (*Conversation, error) {
	if v, ok := c.byUser.Get(userID); ok {
		return v.(*Conversation).Clone(), nil
	}
	conv, err := c.Store.GetConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.remember(conv)
	return conv, nil
}

// GetConversationByTopic resolves topic -> user through the cache.
func (c *CachedStore) GetConversationByTopic(ctx context.Context, topicID int64) (*Conversation, error) {
	if v, ok := c.byTopic.Get(topicID); ok {
		return c.GetConversation(ctx, v.(string))
	}
	conv, err := c.Store.GetConversationByTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	c.remember(conv)
	return conv, nil
}

// UpdateConversation writes through and caches the committed result.
func (c *CachedStore) UpdateConversation(ctx context.Context, userID string, mutate Mutator) (*Conversation, error) {
	conv, err := c.Store.UpdateConversation(ctx, userID, mutate)
	if err != nil {
		// the row may have changed under another writer; reload next time
		c.byUser.Remove(userID)
		return nil, err
	}
	c.remember(conv)
	return conv, nil
}

// BindTopic writes through. On ErrTopicAlreadyBound the winner's state is cached.
func (c *CachedStore) BindTopic(ctx context.Context, userID string, topicID int64) (*Conversation, error) {
	conv, err := c.Store.BindTopic(ctx, userID, topicID)
	if err != nil && !errors.Is(err, ErrTopicAlreadyBound) {
		c.byUser.Remove(userID)
		return nil, err
	}
	c.remember(conv)
	return conv, err
}

// Purge drops every cached entry.
func (c *CachedStore) Purge() {
	c.byUser.Purge()
	c.byTopic.Purge()
}

// ABOUTME: Tests for the LRU-backed CachedStore
// ABOUTME: Verifies read-through caching, write-through refresh and error passthrough

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedMock(t *testing.T) (*CachedStore, *MockStore) {
	t.Helper()
	backing := NewMockStore()
	cached, err := NewCachedStore(backing, 16)
	require.NoError(t, err)
	return cached, backing
}

func TestCachedStore_ServesReadsFromCache(t *testing.T) {
	cached, backing := newCachedMock(t)
	ctx := context.Background()

	_, _, err := cached.GetOrCreateConversation(ctx, "u1", "Alice")
	require.NoError(t, err)

	// once cached, a failing backing store is not consulted
	backing.FailWith = errors.New("db down")
	conv, err := cached.GetConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", conv.DisplayName)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	cached, _ := newCachedMock(t)
	ctx := context.Background()

	_, _, err := cached.GetOrCreateConversation(ctx, "u1", "Alice")
	require.NoError(t, err)

	conv, err := cached.GetConversation(ctx, "u1")
	require.NoError(t, err)
	conv.DisplayName = "mutated"

	again, err := cached.GetConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.DisplayName)
}

func TestCachedStore_UpdateRefreshesCache(t *testing.T) {
	cached, _ := newCachedMock(t)
	ctx := context.Background()

	_, _, err := cached.GetOrCreateConversation(ctx, "u1", "Alice")
	require.NoError(t, err)

	now := time.Now()
	_, err = cached.UpdateConversation(ctx, "u1", func(c *Conversation) error {
		c.Mode = ModeHuman
		c.LastHumanActivityAt = &now
		return nil
	})
	require.NoError(t, err)

	conv, err := cached.GetConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ModeHuman, conv.Mode)
}

func TestCachedStore_TopicLookup(t *testing.T) {
	cached, backing := newCachedMock(t)
	ctx := context.Background()

	_, _, err := cached.GetOrCreateConversation(ctx, "u1", "Alice")
	require.NoError(t, err)
	_, err = cached.BindTopic(ctx, "u1", 77)
	require.NoError(t, err)

	backing.FailWith = errors.New("db down")
	conv, err := cached.GetConversationByTopic(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, "u1", conv.UserID)
}

func TestCachedStore_BindTopicLoserCachesWinner(t *testing.T) {
	cached, _ := newCachedMock(t)
	ctx := context.Background()

	_, _, err := cached.GetOrCreateConversation(ctx, "u1", "Alice")
	require.NoError(t, err)
	_, err = cached.BindTopic(ctx, "u1", 10)
	require.NoError(t, err)

	conv, err := cached.BindTopic(ctx, "u1", 11)
	assert.ErrorIs(t, err, ErrTopicAlreadyBound)
	require.NotNil(t, conv)
	assert.Equal(t, int64(10), conv.TopicID)
}

func TestCachedStore_MissPassesErrors(t *testing.T) {
	cached, backing := newCachedMock(t)
	ctx := context.Background()

	_, err := cached.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	backing.FailWith = errors.New("db down")
	_, err = cached.GetConversation(ctx, "other")
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

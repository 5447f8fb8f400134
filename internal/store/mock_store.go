// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by user ID
	topics        map[int64]string         // keyed by topic ID -> user ID
	events        []*LedgerEvent

	// FailWith, when set, is returned (wrapped as a StorageError) by every operation.
	FailWith error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		topics:        make(map[int64]string),
	}
}

func (m *MockStore) fail(op string) error {
	if m.FailWith != nil {
		return &StorageError{Op: op, Err: m.FailWith}
	}
	return nil
}

// GetOrCreateConversation returns the conversation, creating it in bot mode if needed.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, userID, displayName string) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("create conversation"); err != nil {
		return nil, false, err
	}

	if c, ok := m.conversations[userID]; ok {
		return c.Clone(), false, nil
	}

	now := time.Now().UTC()
	c := &Conversation{
		UserID:      userID,
		DisplayName: displayName,
		Mode:        ModeBot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.conversations[userID] = c
	return c.Clone(), true, nil
}

// GetConversation retrieves a conversation by user ID.
func (m *MockStore) GetConversation(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("get conversation"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetConversationByTopic retrieves the conversation bound to topicID.
func (m *MockStore) GetConversationByTopic(ctx context.Context, topicID int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("get conversation by topic"); err != nil {
		return nil, err
	}

	userID, ok := m.topics[topicID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversations[userID].Clone(), nil
}

// UpdateConversation applies mutate atomically.
func (m *MockStore) UpdateConversation(ctx context.Context, userID string, mutate Mutator) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("update conversation"); err != nil {
		return nil, err
	}

	before, ok := m.conversations[userID]
	if !ok {
		return nil, ErrNotFound
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}
	if err := checkMutation(before, after); err != nil {
		return nil, err
	}
	if after.TopicID != before.TopicID {
		if owner, taken := m.topics[after.TopicID]; taken && owner != userID {
			return nil, ErrDuplicateTopic
		}
		m.topics[after.TopicID] = userID
	}

	after.UpdatedAt = time.Now().UTC()
	m.conversations[userID] = after
	return after.Clone(), nil
}

// BindTopic sets the topic for a conversation that has none yet.
func (m *MockStore) BindTopic(ctx context.Context, userID string, topicID int64) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("bind topic"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.TopicID != 0 {
		return c.Clone(), ErrTopicAlreadyBound
	}
	if _, taken := m.topics[topicID]; taken {
		return nil, ErrDuplicateTopic
	}

	c.TopicID = topicID
	c.UpdatedAt = time.Now().UTC()
	m.topics[topicID] = userID
	return c.Clone(), nil
}

// ListConversations returns conversations matching the filter in the order the filter asks for.
func (m *MockStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("list conversations"); err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if f.Mode != nil && c.Mode != *f.Mode {
			continue
		}
		out = append(out, c.Clone())
	}

	if f.StalestFirst {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].LastHumanActivityAt, out[j].LastHumanActivityAt
			switch {
			case a == nil || b == nil:
				return a == nil && b != nil
			case !a.Equal(*b):
				return a.Before(*b)
			}
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveEvent stores a ledger event.
func (m *MockStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("save event"); err != nil {
		return err
	}

	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEvents returns the most recent events for a user in chronological order.
func (m *MockStore) ListEvents(ctx context.Context, userID string, limit int) ([]*LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("list events"); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}

	var out []*LedgerEvent
	for _, e := range m.events {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Events returns every stored event, for assertions in tests.
func (m *MockStore) Events() []*LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*LedgerEvent, len(m.events))
	for i, e := range m.events {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

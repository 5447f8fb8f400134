// ABOUTME: Tests for the topic registry
// ABOUTME: Covers lazy creation, exactly-once under concurrency, race adoption and resolution

package topics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

type mockCreator struct {
	mu    sync.Mutex
	next  int64
	names []string
	delay time.Duration
	err   error
}

func newMockCreator() *mockCreator {
	return &mockCreator{next: 100}
}

func (m *mockCreator) CreateTopic(ctx context.Context, name string) (int64, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.next++
	m.names = append(m.names, name)
	return m.next, nil
}

func (m *mockCreator) created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.names)
}

type mockCards struct {
	mu    sync.Mutex
	cards map[int64]string
	err   error
}

func (m *mockCards) PublishCard(ctx context.Context, topicID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cards == nil {
		m.cards = make(map[int64]string)
	}
	m.cards[topicID] = text
	return m.err
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "+15550001 (Alice)", TopicName("15550001", "Alice"))
	assert.Equal(t, "+15550001", TopicName("15550001", ""))
	assert.Equal(t, "+15550001", TopicName("+15550001", "  "))

	long := TopicName("1", strings.Repeat("é", 300))
	assert.Equal(t, maxTopicNameLen, len([]rune(long)))
}

func TestClientCard(t *testing.T) {
	card := ClientCard("5491100000001", "Alice")
	assert.Contains(t, card, "Alice")
	assert.Contains(t, card, "https://wa.me/5491100000001")
}

func TestEnsureTopic_CreatesOnceAndReuses(t *testing.T) {
	s := store.NewMockStore()
	creator := newMockCreator()
	cards := &mockCards{}
	reg := New(s, creator, cards, nil, nil)
	ctx := context.Background()

	id, err := reg.EnsureTopic(ctx, "15550001", "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, []string{"+15550001 (Alice)"}, creator.names)
	assert.Contains(t, cards.cards[101], "Alice")

	again, err := reg.EnsureTopic(ctx, "15550001", "Alice")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, creator.created())

	conv, err := s.GetConversation(ctx, "15550001")
	require.NoError(t, err)
	assert.Equal(t, store.ModeBot, conv.Mode)
	assert.Equal(t, id, conv.TopicID)
}

func TestEnsureTopic_ConcurrentFirstContact(t *testing.T) {
	s := store.NewMockStore()
	creator := newMockCreator()
	creator.delay = 5 * time.Millisecond
	reg := New(s, creator, nil, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := reg.EnsureTopic(ctx, "15550001", "Alice")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, creator.created(), "exactly one thread per user")
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureTopic_DifferentUsersGetDistinctTopics(t *testing.T) {
	s := store.NewMockStore()
	reg := New(s, newMockCreator(), nil, nil, nil)
	ctx := context.Background()

	a, err := reg.EnsureTopic(ctx, "1", "A")
	require.NoError(t, err)
	b, err := reg.EnsureTopic(ctx, "2", "B")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// racingStore simulates another process binding between our read and our CAS.
type racingStore struct {
	*store.MockStore
	once sync.Once
}

func (r *racingStore) BindTopic(ctx context.Context, userID string, topicID int64) (*store.Conversation, error) {
	r.once.Do(func() {
		_, _ = r.MockStore.BindTopic(ctx, userID, 999)
	})
	return r.MockStore.BindTopic(ctx, userID, topicID)
}

func TestEnsureTopic_AdoptsWinnerAfterLostRace(t *testing.T) {
	s := &racingStore{MockStore: store.NewMockStore()}
	cards := &mockCards{}
	reg := New(s, newMockCreator(), cards, nil, nil)

	id, err := reg.EnsureTopic(context.Background(), "15550001", "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(999), id)
	assert.Empty(t, cards.cards, "loser must not publish a card")
}

func TestEnsureTopic_CreatorFailure(t *testing.T) {
	s := store.NewMockStore()
	creator := newMockCreator()
	creator.err = errors.New("telegram down")
	reg := New(s, creator, nil, nil, nil)

	_, err := reg.EnsureTopic(context.Background(), "15550001", "Alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, creator.err)

	conv, err := s.GetConversation(context.Background(), "15550001")
	require.NoError(t, err)
	assert.False(t, conv.HasTopic())
}

func TestEnsureTopic_CardFailureIsNotFatal(t *testing.T) {
	s := store.NewMockStore()
	cards := &mockCards{err: errors.New("pin failed")}
	reg := New(s, newMockCreator(), cards, nil, nil)

	id, err := reg.EnsureTopic(context.Background(), "15550001", "Alice")
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestEnsureTopic_StoreFailure(t *testing.T) {
	s := store.NewMockStore()
	s.FailWith = errors.New("db down")
	creator := newMockCreator()
	reg := New(s, creator, nil, nil, nil)

	_, err := reg.EnsureTopic(context.Background(), "15550001", "Alice")
	var se *store.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 0, creator.created())
}

func TestResolve(t *testing.T) {
	s := store.NewMockStore()
	reg := New(s, newMockCreator(), nil, nil, nil)
	ctx := context.Background()

	id, err := reg.EnsureTopic(ctx, "15550001", "Alice")
	require.NoError(t, err)

	userID, err := reg.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "15550001", userID)

	_, err = reg.Resolve(ctx, 4242)
	assert.ErrorIs(t, err, ErrTopicNotFound)

	_, err = reg.Resolve(ctx, 0)
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestEnsureTopic_ContextCancelledWhileWaiting(t *testing.T) {
	s := store.NewMockStore()
	creator := newMockCreator()
	creator.delay = 200 * time.Millisecond
	reg := New(s, creator, nil, nil, nil)

	var started int32
	go func() {
		atomic.StoreInt32(&started, 1)
		_, _ = reg.EnsureTopic(context.Background(), "15550001", "Alice")
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := reg.EnsureTopic(ctx, "15550001", "Alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

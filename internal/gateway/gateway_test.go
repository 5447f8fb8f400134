// ABOUTME: Test fixtures for the gateway plus lifecycle and health endpoint tests
// ABOUTME: Wires a real router over the mock store with fake chat sinks

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/responder"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/topics"
)

const testKB = `
greeting: "¡Hola! ¿En qué te ayudo?"
entries:
  - keywords: [horario, horarios]
    answer: "Atendemos de 9 a 18."
`

type sentMessage struct {
	UserID  string
	TopicID int64
	Msg     relay.OutboundMessage
}

// fakeSink records deliveries and fails on demand.
type fakeSink struct {
	mu        sync.Mutex
	users     []sentMessage
	threads   []sentMessage
	reopened  []int64
	userErr   error
	threadErr error
	reopenErr error
}

func (f *fakeSink) SendToUser(ctx context.Context, userID string, msg relay.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return f.userErr
	}
	f.users = append(f.users, sentMessage{UserID: userID, Msg: msg})
	return nil
}

func (f *fakeSink) SendToThread(ctx context.Context, topicID int64, msg relay.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return f.threadErr
	}
	f.threads = append(f.threads, sentMessage{TopicID: topicID, Msg: msg})
	return nil
}

func (f *fakeSink) ReopenThread(ctx context.Context, topicID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, topicID)
	return f.reopenErr
}

func (f *fakeSink) sentToUsers() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.users...)
}

func (f *fakeSink) sentToThreads() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.threads...)
}

func (f *fakeSink) setErrors(user, thread error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userErr = user
	f.threadErr = thread
}

// fakeCreator hands out sequential topic ids.
type fakeCreator struct {
	mu   sync.Mutex
	next int64
	err  error
}

func (f *fakeCreator) CreateTopic(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return 100 + f.next, nil
}

type testGateway struct {
	*Gateway
	store   *store.MockStore
	sink    *fakeSink
	creator *fakeCreator
	now     time.Time
	mu      sync.Mutex
}

func (tg *testGateway) advance(d time.Duration) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.now = tg.now.Add(d)
}

func (tg *testGateway) clock() time.Time {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.now
}

// testConfig creates a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Routing: config.RoutingConfig{HumanTimeout: time.Hour},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T, mutate ...func(*Options)) *testGateway {
	t.Helper()

	s := store.NewMockStore()
	creator := &fakeCreator{}
	sink := &fakeSink{}

	kb, err := responder.ParseKnowledgeBase([]byte(testKB))
	require.NoError(t, err)

	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	reg := topics.New(s, creator, nil, m, nil)
	router := relay.NewRouter(s, reg, responder.New(kb, nil), relay.DefaultPolicy(), m, nil)

	tg := &testGateway{store: s, sink: sink, creator: creator, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	router.SetClock(tg.clock)

	dd := dedupe.NewMemoryCache(time.Hour, 100)
	t.Cleanup(func() { _ = dd.Close() })

	opts := Options{
		Config:  testConfig(),
		Store:   s,
		Router:  router,
		Sink:    sink,
		Dedupe:  dd,
		Metrics: m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	gw, err := NewWithOptions(opts, nil)
	require.NoError(t, err)
	tg.Gateway = gw
	return tg
}

func (tg *testGateway) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewWithOptions_RequiresCollaborators(t *testing.T) {
	_, err := NewWithOptions(Options{}, nil)
	assert.Error(t, err)

	_, err = NewWithOptions(Options{Config: testConfig()}, nil)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = tg.do(t, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	tg.store.FailWith = errors.New("disk gone")
	rec = tg.do(t, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	tg := newTestGateway(t, func(o *Options) { o.Config.Metrics.Enabled = false })

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIRoutes_AbsentWithoutVerifier(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// blockingRunner records that it ran and returns when ctx ends.
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingRunner) Run(ctx context.Context) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	poller := &blockingRunner{started: make(chan struct{})}
	tg := newTestGateway(t, func(o *Options) {
		o.ListenAddr = addr
		o.Poller = poller
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "OK"
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-poller.started:
	case <-time.After(5 * time.Second):
		t.Fatal("poller was not started")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// lingeringRunner keeps working for a moment after its context ends, the
// way a poller finishes the update it is handling.
type lingeringRunner struct {
	started  chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (l *lingeringRunner) Run(ctx context.Context) error {
	l.once.Do(func() { close(l.started) })
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	l.finished.Store(true)
	return ctx.Err()
}

// closeOrderStore records whether the poller was done when Close ran.
type closeOrderStore struct {
	*store.MockStore
	poller         *lingeringRunner
	closedAfterRun atomic.Bool
}

func (s *closeOrderStore) Close() error {
	s.closedAfterRun.Store(s.poller.finished.Load())
	return s.MockStore.Close()
}

func TestRun_WaitsForPollerBeforeClosingStore(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	poller := &lingeringRunner{started: make(chan struct{})}
	var st *closeOrderStore
	tg := newTestGateway(t, func(o *Options) {
		st = &closeOrderStore{MockStore: o.Store.(*store.MockStore), poller: poller}
		o.Store = st
		o.ListenAddr = addr
		o.Poller = poller
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx) }()

	select {
	case <-poller.started:
	case <-time.After(5 * time.Second):
		t.Fatal("poller was not started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, poller.finished.Load())
	assert.True(t, st.closedAfterRun.Load(), "store closed while the poller was still running")
}

func TestPolicyFromConfig(t *testing.T) {
	off := false
	p := policyFromConfig(config.RoutingConfig{
		HumanTimeout:       30 * time.Minute,
		FallbackMessage:    "no sé",
		EscalateOnNoAnswer: true,
		NotifyOnDemotion:   &off,
	})

	assert.Equal(t, 30*time.Minute, p.HumanTimeout)
	assert.Equal(t, "no sé", p.FallbackMessage)
	assert.True(t, p.EscalateOnNoAnswer)
	assert.False(t, p.NotifyOnDemotion)
	assert.Equal(t, relay.DefaultPolicy().WelcomeMessage, p.WelcomeMessage)
	assert.Equal(t, relay.ReturnToBotButtonID, p.ReturnButton.ID)
}

func TestDemoteStale_DeliversNotices(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, tg.HandleUserMessage(ctx, relay.InboundMessage{UserID: "5491", Text: "necesito ayuda", MessageID: "m1"}))
	require.NoError(t, tg.HandleOperatorMessage(ctx, relay.OperatorMessage{TopicID: 101, Author: "Olga", Text: "Hola, te atiendo yo"}))

	conv, err := tg.store.GetConversation(ctx, "5491")
	require.NoError(t, err)
	require.Equal(t, store.ModeHuman, conv.Mode)

	tg.advance(59 * time.Minute)
	n, err := tg.DemoteStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tg.advance(time.Minute)
	n, err = tg.DemoteStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conv, err = tg.store.GetConversation(ctx, "5491")
	require.NoError(t, err)
	assert.Equal(t, store.ModeBot, conv.Mode)

	threads := tg.sink.sentToThreads()
	last := threads[len(threads)-1]
	assert.Equal(t, int64(101), last.TopicID)
	assert.Contains(t, last.Msg.Text, "volvió al bot")
}

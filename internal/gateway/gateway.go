// ABOUTME: Gateway orchestrator that wires storage, routing and both chat platforms together
// ABOUTME: Manages the HTTP server, the Telegram poller and the inactivity sweeper lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/inactivity"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/responder"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/telegram"
	"github.com/2389/coven-relay/internal/topics"
	"github.com/2389/coven-relay/internal/whatsapp"
)

// Runner is a background loop that returns when its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Options are the collaborators of a Gateway. New builds them from a
// config; tests pass fakes.
type Options struct {
	Config     *config.Config
	Store      store.Store
	Router     *relay.Router
	Sink       relay.Sink
	Dedupe     dedupe.Deduper
	Verifier   auth.TokenVerifier // nil disables the admin API
	Metrics    *metrics.Metrics
	Poller     Runner // nil when operator messages arrive some other way
	ListenAddr string // overrides Config.Server.HTTPAddr
}

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	router     *relay.Router
	dispatcher *Dispatcher
	dedupe     dedupe.Deduper
	verifier   auth.TokenVerifier
	metrics    *metrics.Metrics
	poller     Runner
	pollerDone chan struct{} // closed when the poller returns; nil if it never ran
	sweeper    *inactivity.Sweeper
	handler    http.Handler
	httpServer *http.Server
	listenAddr string
	logger     *slog.Logger
}

// New creates a Gateway and every real dependency described by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	var s store.Store = sqlStore
	if cfg.Database.CacheSize >= 0 {
		cached, err := store.NewCachedStore(sqlStore, cfg.Database.CacheSize)
		if err != nil {
			_ = sqlStore.Close()
			return nil, err
		}
		s = cached
	}

	closeOnErr := func(err error) (*Gateway, error) {
		_ = s.Close()
		return nil, err
	}

	m := metrics.New()

	kb, err := loadKnowledgeBase(cfg.Knowledge.Path)
	if err != nil {
		return closeOnErr(err)
	}
	bot := responder.New(kb.Formatted(whatsapp.FormatMarkdown), logger)

	tg := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.GroupID, logger)
	registry := topics.New(s, tg, tg, m, logger)

	format, err := whatsapp.ParseNumberFormat(cfg.WhatsApp.NumberFormat)
	if err != nil {
		return closeOnErr(err)
	}
	wa := whatsapp.NewClient(cfg.WhatsApp.APIURL, cfg.WhatsApp.Token, cfg.WhatsApp.PhoneNumberID, format, logger)

	router := relay.NewRouter(s, registry, bot, policyFromConfig(cfg.Routing), m, logger)

	dd, err := newDeduper(cfg.Dedupe)
	if err != nil {
		return closeOnErr(err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = dd.Close()
			return closeOnErr(fmt.Errorf("creating JWT verifier: %w", err))
		}
		verifier = v
	} else {
		logger.Info("auth.jwt_secret not set, admin API disabled")
	}

	gw, err := NewWithOptions(Options{
		Config:   cfg,
		Store:    s,
		Router:   router,
		Sink:     JoinSink(wa, tg),
		Dedupe:   dd,
		Verifier: verifier,
		Metrics:  m,
	}, logger)
	if err != nil {
		_ = dd.Close()
		return closeOnErr(err)
	}
	gw.poller = telegram.NewPoller(tg, gw, cfg.Telegram.PollTimeout, logger)

	return gw, nil
}

// NewWithOptions creates a Gateway around already-built collaborators.
func NewWithOptions(opts Options, logger *slog.Logger) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil || opts.Router == nil || opts.Sink == nil {
		return nil, errors.New("store, router and sink are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dedupe == nil {
		opts.Dedupe = dedupe.NewMemoryCache(config.DefaultDedupeTTL, config.DefaultDedupeSize)
	}
	addr := opts.ListenAddr
	if addr == "" {
		addr = opts.Config.Server.HTTPAddr
	}

	gw := &Gateway{
		config:     opts.Config,
		store:      opts.Store,
		router:     opts.Router,
		dispatcher: NewDispatcher(opts.Sink, opts.Metrics, logger),
		dedupe:     opts.Dedupe,
		verifier:   opts.Verifier,
		metrics:    opts.Metrics,
		poller:     opts.Poller,
		listenAddr: addr,
		logger:     logger.With("component", "gateway"),
	}
	gw.sweeper = inactivity.NewSweeper(gw, opts.Config.Routing.SweepInterval, logger)
	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              addr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return gw, nil
}

func loadKnowledgeBase(path string) (*responder.KnowledgeBase, error) {
	if path == "" {
		return &responder.KnowledgeBase{}, nil
	}
	kb, err := responder.LoadKnowledgeBase(path)
	if err != nil {
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}
	return kb, nil
}

func newDeduper(cfg config.DedupeConfig) (dedupe.Deduper, error) {
	if cfg.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rc, err := dedupe.NewRedisCache(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("connecting dedupe redis: %w", err)
		}
		return rc, nil
	}
	return dedupe.NewMemoryCache(cfg.TTL, cfg.MaxSize), nil
}

// policyFromConfig overlays the configured routing options on the default policy.
func policyFromConfig(cfg config.RoutingConfig) relay.Policy {
	p := relay.DefaultPolicy()
	if cfg.HumanTimeout > 0 {
		p.HumanTimeout = cfg.HumanTimeout
	}
	if cfg.FallbackMessage != "" {
		p.FallbackMessage = cfg.FallbackMessage
	}
	if cfg.WelcomeMessage != "" {
		p.WelcomeMessage = cfg.WelcomeMessage
	}
	p.EscalateOnNoAnswer = cfg.EscalateOnNoAnswer
	p.NotifyOnDemotion = cfg.NotifyDemotion()
	return p
}

// Handler returns the HTTP handler serving every gateway endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(g.logger))

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/webhook/whatsapp", g.handleWebhook).Methods(http.MethodPost)

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = config.DefaultMetricsPath
		}
		r.Handle(path, g.metrics.Handler()).Methods(http.MethodGet)
	}

	if g.verifier != nil {
		g.registerAPIRoutes(r.PathPrefix("/api").Subrouter())
	}

	return r
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.Debug("HTTP request processed",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		})
	}
}

// startServers starts the HTTP server and the operator poller, returning
// the channel their failures are reported on.
func (g *Gateway) startServers(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.poller != nil {
		done := make(chan struct{})
		g.pollerDone = done
		go func() {
			defer close(done)
			err := g.poller.Run(ctx)
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("telegram poller: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.listenAddr)

	ln, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.sweeper.Start(runCtx)
	errCh := g.startServers(runCtx, ln)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, the poller and the sweeper, then releases
// resources. The store is closed only after the loops using it are done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sweeper.Stop()
	errs = appendCloseError(errs, "poller shutdown", g.waitPoller(ctx))

	errs = appendCloseError(errs, "dedupe close", g.dedupe.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// waitPoller waits for the poller goroutine to return. Its context must
// already be cancelled.
func (g *Gateway) waitPoller(ctx context.Context) error {
	if g.pollerDone == nil {
		return nil
	}
	select {
	case <-g.pollerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DemoteStale sweeps stale human conversations and delivers the resulting
// notices. It lets the Gateway drive an inactivity.Sweeper.
func (g *Gateway) DemoteStale(ctx context.Context) (int, error) {
	results, err := g.router.SweepStale(ctx)
	for _, res := range results {
		if derr := g.dispatcher.Dispatch(ctx, res); derr != nil {
			g.recordDeliveryFailure(ctx, res.UserID, res.TopicID, derr)
		}
	}
	return len(results), err
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.ListConversations(ctx, store.ConversationFilter{Limit: 1}); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

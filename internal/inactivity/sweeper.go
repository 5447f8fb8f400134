// ABOUTME: Periodic sweep that demotes stale human-mode conversations with no inbound traffic
// ABOUTME: Runs on its own lifecycle, independent of the HTTP server

package inactivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Demoter demotes every stale conversation and reports how many changed.
type Demoter interface {
	DemoteStale(ctx context.Context) (int, error)
}

// Sweeper calls a Demoter on a fixed interval until stopped.
type Sweeper struct {
	demoter  Demoter
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. An interval of zero or less disables it.
func NewSweeper(demoter Demoter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		demoter:  demoter,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Enabled reports whether Start will launch a sweep loop.
func (s *Sweeper) Enabled() bool {
	return s.interval > 0
}

// Start launches the sweep loop in the background. Calling Start on a
// disabled or already running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("inactivity sweep disabled, relying on lazy evaluation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Info("inactivity sweep started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep. Errors are logged, never returned.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.demoter.DemoteStale(ctx)
	if err != nil {
		s.logger.Error("inactivity sweep failed", "error", err, "demoted", n)
		return
	}
	if n > 0 {
		s.logger.Info("demoted stale conversations", "count", n)
	}
}

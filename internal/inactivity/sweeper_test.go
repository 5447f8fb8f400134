// ABOUTME: Tests for the periodic inactivity sweeper
// ABOUTME: Uses a counting demoter to verify scheduling, error tolerance and shutdown

package inactivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingDemoter struct {
	calls int32
	err   error
}

func (d *countingDemoter) DemoteStale(ctx context.Context) (int, error) {
	atomic.AddInt32(&d.calls, 1)
	return 1, d.err
}

func TestSweeper_RunsPeriodically(t *testing.T) {
	d := &countingDemoter{}
	s := NewSweeper(d, 5*time.Millisecond, nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&d.calls) >= 3
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&d.calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&d.calls), "no sweeps after Stop")
}

func TestSweeper_DisabledWithZeroInterval(t *testing.T) {
	d := &countingDemoter{}
	s := NewSweeper(d, 0, nil)

	assert.False(t, s.Enabled())
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&d.calls))
}

func TestSweeper_ErrorsDoNotStopLoop(t *testing.T) {
	d := &countingDemoter{err: errors.New("db down")}
	s := NewSweeper(d, 5*time.Millisecond, nil)

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&d.calls) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSweeper_StopsWithParentContext(t *testing.T) {
	d := &countingDemoter{}
	s := NewSweeper(d, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	// Stop must still return after the loop exited on its own
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

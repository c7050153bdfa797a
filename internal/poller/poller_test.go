package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/k11v/buildworker/internal/action"
)

func TestPollerPollsUntilStopped(t *testing.T) {
	var calls int32
	poll := func(ctx context.Context, name string, stage action.Stage) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	}

	p := Start(context.Background(), poll, "op-1", action.StageQueued, 10*time.Millisecond, nil)
	time.Sleep(55 * time.Millisecond)
	p.Stop()

	if got := atomic.LoadInt32(&calls); got < 3 {
		t.Errorf("got %d polls in ~55ms at a 10ms period, want at least 3", got)
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	poll := func(ctx context.Context, name string, stage action.Stage) (bool, error) {
		return true, nil
	}

	p := Start(context.Background(), poll, "op-1", action.StageExecuting, 10*time.Millisecond, nil)
	p.Stop()
	p.Stop() // must not panic or block forever
}

func TestPollerSelfTerminatesWhenDisowned(t *testing.T) {
	poll := func(ctx context.Context, name string, stage action.Stage) (bool, error) {
		return false, nil
	}

	p := Start(context.Background(), poll, "op-1", action.StageQueued, 5*time.Millisecond, nil)

	select {
	case <-p.Disowned:
	case <-time.After(time.Second):
		t.Fatal("poller didn't report disowned")
	}

	// Self-termination must have already happened; Stop should return
	// immediately rather than block waiting for a poll that never
	// fires again.
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop didn't return after self-termination")
	}
}

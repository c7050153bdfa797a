// Package poller implements the background liveness heartbeat that
// asserts a worker's continued ownership of one operation at one stage.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/metrics"
)

// PollFunc asserts continued ownership of name at stage. false means the
// server no longer considers the caller the owner.
type PollFunc func(ctx context.Context, name string, stage action.Stage) (bool, error)

// Poller periodically calls a PollFunc until told to stop or until the
// server reports it has disowned the operation. It is used exactly once
// per stage; a new Poller is started for each stage transition.
type Poller struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Disowned closes if the server reports it no longer owns the
	// operation, before the Poller self-terminates.
	Disowned chan struct{}
}

// Start launches a Poller that calls poll(name, stage) every period
// until Stop is called or poll returns false. Period must be positive.
func Start(ctx context.Context, poll PollFunc, name string, stage action.Stage, period time.Duration, m *metrics.Metrics) *Poller {
	p := &Poller{
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		Disowned: make(chan struct{}),
	}

	if m != nil {
		m.ActivePollers.Inc()
	}

	go func() {
		defer close(p.done)
		defer func() {
			if m != nil {
				m.ActivePollers.Dec()
			}
		}()

		timer := time.NewTimer(period)
		defer timer.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				owned, err := poll(ctx, name, stage)
				if err != nil {
					slog.Warn("poller: poll failed", "operation", name, "stage", stage, "error", err)
				} else if !owned {
					close(p.Disowned)
					return
				}
				timer.Reset(period)
			}
		}
	}()

	return p
}

// Stop signals the Poller to terminate and blocks until it has. Stop is
// idempotent and safe to call more than once or concurrently with the
// Poller's own self-termination; it never causes poll to be called
// again once it returns.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Done returns a channel that closes once the Poller's goroutine has
// exited, whether by Stop, context cancellation, or self-termination.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Package lifecycle drives one action end to end: materialization,
// stage publication, command execution, and unconditional cleanup of
// the execution directory and cache pins.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/cas"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/execute"
	"github.com/k11v/buildworker/internal/materialize"
	"github.com/k11v/buildworker/internal/metrics"
	"github.com/k11v/buildworker/internal/poller"
	"github.com/k11v/buildworker/internal/rpc"
)

// Coordinator drives operations through their lifecycle; its Handle
// method is the rpc.Handler passed to OperationQueue.Match.
type Coordinator struct {
	queue        rpc.OperationQueue
	client       rpc.CASClient
	cache        *cas.Cache
	materializer *materialize.Materializer
	executor     *execute.Executor
	metrics      *metrics.Metrics

	root       string
	pollPeriod time.Duration
}

func New(queue rpc.OperationQueue, client rpc.CASClient, cache *cas.Cache, m *materialize.Materializer, e *execute.Executor, metricsSink *metrics.Metrics, root string, pollPeriod time.Duration) *Coordinator {
	return &Coordinator{
		queue:        queue,
		client:       client,
		cache:        cache,
		materializer: m,
		executor:     e,
		metrics:      metricsSink,
		root:         root,
		pollPeriod:   pollPeriod,
	}
}

// Handle runs one operation's full lifecycle and reports whether the
// worker handled it. It never panics on a bad action; every failure
// path still runs cleanup before returning.
func (c *Coordinator) Handle(ctx context.Context, op *action.Operation) bool {
	name := op.Name
	execDir := filepath.Join(c.root, name)

	var pinned []cas.Key
	defer c.cleanup(execDir, &pinned)

	queuedPoller := poller.Start(ctx, c.queue.PollOperation, name, action.StageQueued, c.pollPeriod, c.metrics)
	watchDisowned(queuedPoller, name)

	a, cmd, err := c.fetchActionAndCommand(ctx, op.Metadata.ActionDigest)
	if err != nil {
		queuedPoller.Stop()
		slog.Error("lifecycle: didn't fetch action", "operation", name, "error", err)
		return false
	}

	materializeResult, err := c.materializer.Materialize(ctx, a, execDir)
	pinned = materializeResult.PinnedKeys
	queuedPoller.Stop()
	if err != nil {
		slog.Warn("lifecycle: didn't materialize inputs, aborting", "operation", name, "error", err)
		return false
	}

	executing := *op
	executing.Metadata.Stage = action.StageExecuting
	accepted, err := c.queue.PutOperation(ctx, &executing)
	if err != nil {
		slog.Error("lifecycle: didn't publish EXECUTING", "operation", name, "error", err)
		return false
	}
	if !accepted {
		slog.Info("lifecycle: server disowned operation before execution, aborting silently", "operation", name)
		return true
	}

	executingPoller := poller.Start(ctx, c.queue.PollOperation, name, action.StageExecuting, c.pollPeriod, c.metrics)
	watchDisowned(executingPoller, name)

	result, err := c.executor.Execute(ctx, cmd, a, execDir, op.Metadata.StdoutStreamName, op.Metadata.StderrStreamName)
	executingPoller.Stop()
	if err != nil {
		slog.Error("lifecycle: command execution failed", "operation", name, "error", err)
		return false
	}

	if !a.DoNotCache {
		if err := c.client.PutActionResult(ctx, op.Metadata.ActionDigest, result); err != nil {
			slog.Warn("lifecycle: didn't publish action result to the action cache", "operation", name, "error", err)
		}
	}

	completed := *op
	completed.Metadata.Stage = action.StageCompleted
	completed.Done = true
	completed.Response = result
	if _, err := c.queue.PutOperation(ctx, &completed); err != nil {
		slog.Error("lifecycle: didn't publish COMPLETED", "operation", name, "error", err)
		return false
	}

	return true
}

// fetchActionAndCommand resolves an operation's action digest into the
// Action and its Command, both stored as ordinary blobs in the same CAS
// the inputs and outputs live in.
func (c *Coordinator) fetchActionAndCommand(ctx context.Context, actionDigest digest.Digest) (*action.Action, *action.Command, error) {
	actionBytes, err := c.client.GetBlob(ctx, actionDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("get action: %w", err)
	}
	a, err := action.UnmarshalAction(actionBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal action: %w", err)
	}

	cmdBytes, err := c.client.GetBlob(ctx, a.CommandDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("get command: %w", err)
	}
	cmd, err := action.UnmarshalCommand(cmdBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal command: %w", err)
	}

	return a, cmd, nil
}

func (c *Coordinator) cleanup(execDir string, pinned *[]cas.Key) {
	if err := os.RemoveAll(execDir); err != nil {
		slog.Warn("lifecycle: didn't remove execution directory", "dir", execDir, "error", err)
	}
	c.cache.Update(*pinned)
}

func watchDisowned(p *poller.Poller, name string) {
	go func() {
		select {
		case <-p.Disowned:
			slog.Info("lifecycle: queue reported it no longer owns the operation", "operation", name)
		case <-p.Done():
		}
	}()
}

// Package rpc defines the worker's boundary with its remote collaborators:
// the content-addressable-storage (CAS) service and the operation queue.
// Both are expressed purely as interfaces per the design note that the
// worker never inspects the concrete transport — concrete adapters live
// in the casremote, queuepg, and queueamqp subpackages.
package rpc

import (
	"context"
	"io"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
)

// DirectoryPage is one page of a getTree response.
type DirectoryPage struct {
	Directories   []action.Directory
	NextPageToken string
}

// CASClient is the remote surface the cache, materializer, and executor
// use to move blobs and directory trees in and out of the worker.
type CASClient interface {
	GetBlob(ctx context.Context, d digest.Digest) ([]byte, error)
	PutBlob(ctx context.Context, content []byte) (digest.Digest, error)
	PutAllBlobs(ctx context.Context, contents [][]byte) ([]digest.Digest, error)

	// GetTree returns one page of the directory tree rooted at root.
	// An empty NextPageToken on the returned page means no more pages.
	GetTree(ctx context.Context, root digest.Digest, pageSize int, pageToken string) (DirectoryPage, error)

	// NewStreamInput opens a remote byte-stream sink named name, used to
	// forward live stdout/stderr while the action's command is running.
	NewStreamInput(ctx context.Context, name string) (io.WriteCloser, error)

	// GetStreamOutput opens the read side of a byte stream previously
	// written with NewStreamInput. It exists on the interface for
	// symmetry with the upstream surface; the worker itself is always on
	// the write side of its own streams.
	GetStreamOutput(ctx context.Context, name string) (io.ReadCloser, error)

	GetActionResult(ctx context.Context, actionDigest digest.Digest) (*action.ActionResult, error)
	PutActionResult(ctx context.Context, actionDigest digest.Digest, result *action.ActionResult) error
}

// Handler runs one dispatched action and reports whether the worker
// handled it; the server uses the return value to decide whether to
// requeue on failure.
type Handler func(ctx context.Context, op *action.Operation) bool

// OperationQueue is the queue surface the lifecycle coordinator drives.
type OperationQueue interface {
	// Match blocks until the server dispatches one operation, runs
	// handler on it, and returns once handler returns.
	Match(ctx context.Context, platform map[string]string, requeueOnFailure bool, handler Handler) error

	// PutOperation publishes op. false means the server has lost
	// interest in the operation (e.g. the client canceled it).
	PutOperation(ctx context.Context, op *action.Operation) (bool, error)

	// PollOperation asserts continued ownership of name at stage. false
	// means the server no longer considers the worker the owner.
	PollOperation(ctx context.Context, name string, stage action.Stage) (bool, error)
}

package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/rpc"
)

var _ rpc.CASClient = (*StubCASClient)(nil)

// StubCASClient is a blob store backed by an in-memory map, with a spy
// on PutActionResult and PutAllBlobs calls.
type StubCASClient struct {
	mu    sync.Mutex
	blobs map[string][]byte

	PutActionResultCalls []*action.ActionResult
	PutAllBlobsCalls     [][][]byte
}

func NewStubCASClient() *StubCASClient {
	return &StubCASClient{blobs: make(map[string][]byte)}
}

func (c *StubCASClient) Put(content []byte) digest.Digest {
	d := digest.FromBytes(content)
	c.mu.Lock()
	c.blobs[d.Hash] = content
	c.mu.Unlock()
	return d
}

func (c *StubCASClient) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.blobs[d.Hash]
	if !ok {
		return nil, errors.New("lifecycle: stub: no such blob")
	}
	return content, nil
}

func (c *StubCASClient) PutBlob(ctx context.Context, content []byte) (digest.Digest, error) {
	return c.Put(content), nil
}

func (c *StubCASClient) PutAllBlobs(ctx context.Context, contents [][]byte) ([]digest.Digest, error) {
	c.mu.Lock()
	c.PutAllBlobsCalls = append(c.PutAllBlobsCalls, contents)
	c.mu.Unlock()
	digests := make([]digest.Digest, len(contents))
	for i, content := range contents {
		digests[i] = c.Put(content)
	}
	return digests, nil
}

func (c *StubCASClient) GetTree(ctx context.Context, root digest.Digest, pageSize int, pageToken string) (rpc.DirectoryPage, error) {
	return rpc.DirectoryPage{}, nil
}

func (c *StubCASClient) NewStreamInput(ctx context.Context, name string) (io.WriteCloser, error) {
	return nil, errors.New("lifecycle: stub: streams not supported")
}

func (c *StubCASClient) GetStreamOutput(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("lifecycle: stub: streams not supported")
}

func (c *StubCASClient) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*action.ActionResult, error) {
	return nil, errors.New("lifecycle: stub: action results not supported")
}

func (c *StubCASClient) PutActionResult(ctx context.Context, actionDigest digest.Digest, result *action.ActionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PutActionResultCalls = append(c.PutActionResultCalls, result)
	return nil
}

const (
	callPutOperationQueued    = "PutOperation(QUEUED)"
	callPutOperationExecuting = "PutOperation(EXECUTING)"
	callPutOperationCompleted = "PutOperation(COMPLETED)"
)

var _ rpc.OperationQueue = (*SpyOperationQueue)(nil)

// SpyOperationQueue records every PutOperation call and lets a test
// control whether PutOperation(EXECUTING) is accepted.
type SpyOperationQueue struct {
	mu sync.Mutex

	RejectExecuting bool
	PutOperations   []*action.Operation
	PollCalls       int
}

func (q *SpyOperationQueue) Match(ctx context.Context, platform map[string]string, requeueOnFailure bool, handler rpc.Handler) error {
	return errors.New("lifecycle: stub: Match not used in these tests")
}

func (q *SpyOperationQueue) PutOperation(ctx context.Context, op *action.Operation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	opCopy := *op
	q.PutOperations = append(q.PutOperations, &opCopy)
	if op.Metadata.Stage == action.StageExecuting && q.RejectExecuting {
		return false, nil
	}
	return true, nil
}

func (q *SpyOperationQueue) PollOperation(ctx context.Context, name string, stage action.Stage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.PollCalls++
	return true, nil
}

func (q *SpyOperationQueue) StagesPublished() []action.Stage {
	q.mu.Lock()
	defer q.mu.Unlock()
	stages := make([]action.Stage, len(q.PutOperations))
	for i, op := range q.PutOperations {
		stages[i] = op.Metadata.Stage
	}
	return stages
}

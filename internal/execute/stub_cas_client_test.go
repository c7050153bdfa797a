package execute

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

type StubCASClient struct {
	mu sync.Mutex

	PutBlobCalls     [][]byte
	PutAllBlobsCalls [][][]byte
}

func NewStubCASClient() *StubCASClient {
	return &StubCASClient{}
}

func (c *StubCASClient) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	return nil, errors.New("execute: stub: GetBlob not used")
}

func (c *StubCASClient) PutBlob(ctx context.Context, content []byte) (digest.Digest, error) {
	c.mu.Lock()
	c.PutBlobCalls = append(c.PutBlobCalls, content)
	c.mu.Unlock()
	return digest.FromBytes(content), nil
}

func (c *StubCASClient) PutAllBlobs(ctx context.Context, contents [][]byte) ([]digest.Digest, error) {
	c.mu.Lock()
	c.PutAllBlobsCalls = append(c.PutAllBlobsCalls, contents)
	c.mu.Unlock()
	digests := make([]digest.Digest, len(contents))
	for i, content := range contents {
		digests[i] = digest.FromBytes(content)
	}
	return digests, nil
}

func (c *StubCASClient) GetTree(ctx context.Context, root digest.Digest, pageSize int, pageToken string) (rpc.DirectoryPage, error) {
	return rpc.DirectoryPage{}, nil
}

func (c *StubCASClient) NewStreamInput(ctx context.Context, name string) (io.WriteCloser, error) {
	return nil, errors.New("execute: stub: streams not supported")
}

func (c *StubCASClient) GetStreamOutput(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("execute: stub: streams not supported")
}

func (c *StubCASClient) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*action.ActionResult, error) {
	return nil, errors.New("execute: stub: action results not supported")
}

func (c *StubCASClient) PutActionResult(ctx context.Context, actionDigest digest.Digest, result *action.ActionResult) error {
	return nil
}

package cas

import (
	"context"
	"errors"
	"io"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/rpc"
)

var _ rpc.CASClient = (*StubCASClient)(nil)

// StubCASClient serves blobs from an in-memory map keyed by digest hash
// and counts how many times each digest was fetched.
type StubCASClient struct {
	Blobs map[string][]byte

	GetBlobErr error
	FetchCount map[string]int
}

func NewStubCASClient() *StubCASClient {
	return &StubCASClient{
		Blobs:      make(map[string][]byte),
		FetchCount: make(map[string]int),
	}
}

func (c *StubCASClient) Put(content []byte) digest.Digest {
	d := digest.FromBytes(content)
	c.Blobs[d.Hash] = content
	return d
}

func (c *StubCASClient) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	c.FetchCount[d.Hash]++
	if c.GetBlobErr != nil {
		return nil, c.GetBlobErr
	}
	content, ok := c.Blobs[d.Hash]
	if !ok {
		return nil, errors.New("cas: stub: no such blob")
	}
	return content, nil
}

func (c *StubCASClient) PutBlob(ctx context.Context, content []byte) (digest.Digest, error) {
	return c.Put(content), nil
}

func (c *StubCASClient) PutAllBlobs(ctx context.Context, contents [][]byte) ([]digest.Digest, error) {
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
	return nil, errors.New("cas: stub: streams not supported")
}

func (c *StubCASClient) GetStreamOutput(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("cas: stub: streams not supported")
}

func (c *StubCASClient) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*action.ActionResult, error) {
	return nil, errors.New("cas: stub: action results not supported")
}

func (c *StubCASClient) PutActionResult(ctx context.Context, actionDigest digest.Digest, result *action.ActionResult) error {
	return nil
}

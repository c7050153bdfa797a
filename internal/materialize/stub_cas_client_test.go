package materialize

import (
	"context"
	"errors"
	"io"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/rpc"
)

var _ rpc.CASClient = (*StubCASClient)(nil)

// StubCASClient serves blobs and a fixed directory tree from memory, and
// can page GetTree in arbitrary-size chunks to exercise pagination.
type StubCASClient struct {
	Blobs       map[string][]byte
	Directories []action.Directory
	PageSize    int // 0 means return everything in one page
}

func NewStubCASClient() *StubCASClient {
	return &StubCASClient{Blobs: make(map[string][]byte)}
}

func (c *StubCASClient) PutFile(content []byte) digest.Digest {
	d := digest.FromBytes(content)
	c.Blobs[d.Hash] = content
	return d
}

func (c *StubCASClient) AddDirectory(dir action.Directory) {
	c.Directories = append(c.Directories, dir)
}

func (c *StubCASClient) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	content, ok := c.Blobs[d.Hash]
	if !ok {
		return nil, errors.New("materialize: stub: no such blob")
	}
	return content, nil
}

func (c *StubCASClient) PutBlob(ctx context.Context, content []byte) (digest.Digest, error) {
	return c.PutFile(content), nil
}

func (c *StubCASClient) PutAllBlobs(ctx context.Context, contents [][]byte) ([]digest.Digest, error) {
	digests := make([]digest.Digest, len(contents))
	for i, content := range contents {
		digests[i] = c.PutFile(content)
	}
	return digests, nil
}

func (c *StubCASClient) GetTree(ctx context.Context, root digest.Digest, pageSize int, pageToken string) (rpc.DirectoryPage, error) {
	size := c.PageSize
	if size <= 0 {
		size = len(c.Directories)
		if size == 0 {
			size = 1
		}
	}

	start := 0
	if pageToken != "" {
		n, err := parsePageToken(pageToken)
		if err != nil {
			return rpc.DirectoryPage{}, err
		}
		start = n
	}
	if start >= len(c.Directories) {
		return rpc.DirectoryPage{}, nil
	}

	end := start + size
	if end > len(c.Directories) {
		end = len(c.Directories)
	}

	page := rpc.DirectoryPage{Directories: c.Directories[start:end]}
	if end < len(c.Directories) {
		page.NextPageToken = formatPageToken(end)
	}
	return page, nil
}

func (c *StubCASClient) NewStreamInput(ctx context.Context, name string) (io.WriteCloser, error) {
	return nil, errors.New("materialize: stub: streams not supported")
}

func (c *StubCASClient) GetStreamOutput(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("materialize: stub: streams not supported")
}

func (c *StubCASClient) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*action.ActionResult, error) {
	return nil, errors.New("materialize: stub: action results not supported")
}

func (c *StubCASClient) PutActionResult(ctx context.Context, actionDigest digest.Digest, result *action.ActionResult) error {
	return nil
}

func formatPageToken(n int) string {
	digits := []byte{}
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func parsePageToken(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("materialize: stub: invalid page token")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

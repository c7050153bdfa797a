// Package materialize builds an action's execution directory by paging
// its declared input tree from the CAS and recursively hard-linking
// cached file content into place.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/cas"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/rpc"
)

// ErrOutputDirectoriesUnsupported is returned when an action declares one
// or more output_directories; the core doesn't support them (see Open
// Question (a) in the design notes).
var ErrOutputDirectoriesUnsupported = errors.New("materialize: output_directories are not supported")

// Materializer populates execution directories from a CAS client and a
// local file cache.
type Materializer struct {
	client   rpc.CASClient
	cache    *cas.Cache
	pageSize int
}

// New constructs a Materializer. pageSize is passed to GetTree.
func New(client rpc.CASClient, cache *cas.Cache, pageSize int) *Materializer {
	if pageSize <= 0 {
		pageSize = 1024
	}
	return &Materializer{client: client, cache: cache, pageSize: pageSize}
}

// Result reports what Materialize pinned so the caller can release it in
// its cleanup phase regardless of outcome.
type Result struct {
	PinnedKeys []cas.Key
}

// Materialize fetches the tree rooted at a.InputRootDigest, links it into
// execDir, and verifies a's declared output locations. On any error the
// execDir may be partially populated and some keys may already be
// pinned; the caller must still release result.PinnedKeys and remove
// execDir.
func (m *Materializer) Materialize(ctx context.Context, a *action.Action, execDir string) (Result, error) {
	result := Result{}

	if len(a.OutputDirectories) > 0 {
		return result, ErrOutputDirectoriesUnsupported
	}

	index, err := m.fetchIndex(ctx, a.InputRootDigest)
	if err != nil {
		return result, fmt.Errorf("materialize: %w", err)
	}

	root, ok := index[a.InputRootDigest]
	if !ok {
		// An empty input root (no files at all) is valid: treat a
		// missing-from-index empty digest as an empty directory.
		if a.InputRootDigest == digest.Empty {
			root = action.Directory{}
		} else {
			return result, fmt.Errorf("materialize: input root %s not found in tree", a.InputRootDigest)
		}
	}

	if err := m.link(ctx, root, index, execDir, &result); err != nil {
		return result, fmt.Errorf("materialize: %w", err)
	}

	for _, outputFile := range a.OutputFiles {
		dir := filepath.Join(execDir, filepath.Dir(outputFile))
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return result, fmt.Errorf("materialize: %w", err)
		}
	}

	return result, nil
}

// fetchIndex pages the full tree and returns a lookup from directory
// digest to directory, keeping the first occurrence of each digest.
func (m *Materializer) fetchIndex(ctx context.Context, root digest.Digest) (map[digest.Digest]action.Directory, error) {
	index := make(map[digest.Digest]action.Directory)

	pageToken := ""
	for {
		page, err := m.client.GetTree(ctx, root, m.pageSize, pageToken)
		if err != nil {
			return nil, fmt.Errorf("fetch tree: %w", err)
		}
		for _, dir := range page.Directories {
			d := dir.Digest()
			if _, exists := index[d]; exists {
				continue // first occurrence wins; duplicates are discarded
			}
			index[d] = dir
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return index, nil
}

// link recursively materializes dir at destDir, pinning every cache key
// it links into result.PinnedKeys.
func (m *Materializer) link(ctx context.Context, dir action.Directory, index map[digest.Digest]action.Directory, destDir string, result *Result) error {
	if err := os.MkdirAll(destDir, 0o777); err != nil {
		return err
	}

	for _, f := range dir.Files {
		key, err := m.cache.Put(ctx, f.Digest, f.IsExecutable)
		if err != nil {
			return fmt.Errorf("link %s: %w", f.Name, err)
		}
		result.PinnedKeys = append(result.PinnedKeys, key)

		dest := filepath.Join(destDir, f.Name)
		if err := os.Link(m.cache.Path(key), dest); err != nil {
			return fmt.Errorf("link %s: %w", f.Name, err)
		}
	}

	for _, sub := range dir.Directories {
		subDir, ok := index[sub.Digest]
		if !ok {
			return fmt.Errorf("directory %s (%s) not found in tree", sub.Name, sub.Digest)
		}
		if err := m.link(ctx, subDir, index, filepath.Join(destDir, sub.Name), result); err != nil {
			return err
		}
	}

	return nil
}

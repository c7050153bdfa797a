// Package cas implements the worker's local content-addressed file
// cache: a byte-budgeted store on disk that materializes remote blobs at
// stable, hard-linkable paths and pins entries referenced by an in-flight
// action so they can't be evicted out from under it.
package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/metrics"
	"github.com/k11v/buildworker/internal/rpc"
)

// ErrMiss is returned by Put when the entry doesn't fit even after
// evicting every unpinned entry. A failed remote fetch is reported as
// the fetch's own (wrapped) error instead.
var ErrMiss = errors.New("cas: miss")

type entry struct {
	key            Key
	digest         digest.Digest
	isExecutable   bool
	sizeBytes      int64
	refCount       int
	lastReleasedAt time.Time
}

type pendingFetch struct {
	done chan struct{}
	err  error
}

// Cache is the local CAS file cache. All methods are safe for concurrent
// use; put, path, and update are the public contract described in the
// design.
type Cache struct {
	dir      string
	maxBytes int64
	client   rpc.CASClient
	metrics  *metrics.Metrics

	mu        sync.Mutex
	usedBytes int64
	entries   map[Key]*entry
	pending   map[Key]*pendingFetch
}

// New constructs a Cache rooted at dir with the given byte budget. Call
// Start before first use.
func New(dir string, maxBytes int64, client rpc.CASClient, m *metrics.Metrics) *Cache {
	return &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		client:   client,
		metrics:  m,
		entries:  make(map[Key]*entry),
		pending:  make(map[Key]*pendingFetch),
	}
}

// Start initializes the on-disk root. The cache's bookkeeping is
// memory-resident; Start reconciles any files already present under dir
// (e.g. left over from a previous process) by registering them as
// unpinned, immediately evictable entries so they count against the
// budget instead of silently occupying disk forever.
func (c *Cache) Start() error {
	if err := os.MkdirAll(c.dir, 0o777); err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, shardEntry := range entries {
		if !shardEntry.IsDir() {
			continue
		}
		shardDir := filepath.Join(c.dir, shardEntry.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			slog.Warn("cas: didn't reconcile shard", "dir", shardDir, "error", err)
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			key := Key(f.Name())
			c.entries[key] = &entry{
				key:            key,
				sizeBytes:      info.Size(),
				refCount:       0,
				lastReleasedAt: info.ModTime(),
			}
			c.usedBytes += info.Size()
		}
	}
	c.reportLocked()

	return nil
}

// Put ensures the content named by d is resident, increments its
// reference count, and returns the cache key. Repeated calls for the
// same (d, isExecutable) are idempotent in the sense that they return
// the same key; each call still increments the reference count by one,
// so it must be matched by a corresponding Update release.
func (c *Cache) Put(ctx context.Context, d digest.Digest, isExecutable bool) (Key, error) {
	key := newKey(d, isExecutable)

	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refCount++
			c.mu.Unlock()
			c.recordPut()
			return key, nil
		}

		if pf, ok := c.pending[key]; ok {
			c.mu.Unlock()
			<-pf.done
			if pf.err != nil {
				return "", pf.err
			}
			continue // re-check entries under a fresh lock
		}

		if !c.evictForLocked(d.SizeBytes) {
			c.mu.Unlock()
			c.recordMiss()
			return "", ErrMiss
		}
		c.usedBytes += d.SizeBytes // reserved ahead of the fetch completing
		pf := &pendingFetch{done: make(chan struct{})}
		c.pending[key] = pf
		c.reportLocked()
		c.mu.Unlock()

		err := c.fetch(ctx, key, d, isExecutable)

		c.mu.Lock()
		delete(c.pending, key)
		if err != nil {
			c.usedBytes -= d.SizeBytes
			pf.err = err
		} else {
			c.entries[key] = &entry{
				key:          key,
				digest:       d,
				isExecutable: isExecutable,
				sizeBytes:    d.SizeBytes,
				refCount:     1,
			}
		}
		c.reportLocked()
		c.mu.Unlock()
		close(pf.done)

		if err != nil {
			c.recordMiss()
			return "", err
		}
		c.recordPut()
		return key, nil
	}
}

// fetch downloads content for key and writes it into place at Path(key),
// via a temporary file in the same directory so the final rename is
// atomic. It does not touch c's bookkeeping.
func (c *Cache) fetch(ctx context.Context, key Key, d digest.Digest, isExecutable bool) error {
	content, err := c.client.GetBlob(ctx, d)
	if err != nil {
		return fmt.Errorf("cas.Cache: fetch %s: %w", d, err)
	}
	if int64(len(content)) != d.SizeBytes {
		return fmt.Errorf("cas.Cache: fetch %s: got %d bytes, want %d", d, len(content), d.SizeBytes)
	}

	path := c.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cas.Cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}

	mode := os.FileMode(0o644)
	if isExecutable {
		mode = 0o755
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("cas.Cache: %w", err)
	}
	return nil
}

// Path returns the stable filesystem path for key, suitable for
// hard-linking into an execDir.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.dir, key.shard(), string(key))
}

// Update decrements the reference count for each key in keys. Entries
// whose count reaches zero become eviction candidates, timestamped with
// the moment of release so eviction proceeds in LRU order.
func (c *Cache) Update(keys []Key) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		e.refCount--
		if e.refCount < 0 {
			slog.Error("cas: refCount went negative", "key", key)
			e.refCount = 0
		}
		if e.refCount == 0 {
			e.lastReleasedAt = now
		}
	}
}

// evictForLocked evicts unpinned entries in LRU order of lastReleasedAt
// until needed additional bytes fit within the budget, or reports false
// if even evicting everything unpinned wouldn't make room. Caller must
// hold c.mu.
func (c *Cache) evictForLocked(needed int64) bool {
	if needed > c.maxBytes {
		return false
	}
	if c.usedBytes+needed <= c.maxBytes {
		return true
	}

	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.refCount == 0 {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastReleasedAt.Before(candidates[j].lastReleasedAt)
	})

	for _, e := range candidates {
		if c.usedBytes+needed <= c.maxBytes {
			break
		}
		if err := os.Remove(c.Path(e.key)); err != nil && !os.IsNotExist(err) {
			slog.Error("cas: didn't remove evicted entry", "key", e.key, "error", err)
			continue
		}
		delete(c.entries, e.key)
		c.usedBytes -= e.sizeBytes
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
	}

	return c.usedBytes+needed <= c.maxBytes
}

// UsedBytes reports the current resident byte total. It exists for
// tests asserting the §3 quiescent-point invariant.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *Cache) reportLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheUsedBytes.Set(float64(c.usedBytes))
	c.metrics.CacheBudgetBytes.Set(float64(c.maxBytes))
}

func (c *Cache) recordPut() {
	if c.metrics != nil {
		c.metrics.CachePuts.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

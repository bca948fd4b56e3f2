// Package fscache implements the LRU-backed, TTL'd caches over directory
// listings and file-stat results. It is shared by the image-serving path
// and the delegated WebDAV filesystem.
package fscache

import (
	"context"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	dirCacheSize  = 10_000
	statCacheSize = 50_000
	ttl           = time.Hour
)

// StatResult is the memory form of a stat result. A StatResult with both
// IsFile and IsDir false is the negative-stat sentinel for a path that
// does not exist.
type StatResult struct {
	IsFile    bool
	IsDir     bool
	ModTimeMs int64
	Size      int64
}

// Cache holds two independent LRUs, one for directory listings and one
// for stat results. It is read-mostly and not write-through: a path
// created after its stat was cached keeps its old (possibly negative)
// result until the entry expires, so callers that write files must
// re-check them themselves (pkg/renditioncache does, for its own files).
type Cache struct {
	dirs    *lru.LRU[string, []string]
	stats   *lru.LRU[string, StatResult]
	maxList int
}

// New creates a Cache whose directory listings are truncated to maxList
// entries.
func New(maxList int) *Cache {
	return &Cache{
		dirs:    lru.NewLRU[string, []string](dirCacheSize, nil, ttl),
		stats:   lru.NewLRU[string, StatResult](statCacheSize, nil, ttl),
		maxList: maxList,
	}
}

// Readdir returns the ordered entry names of path, truncated to maxList,
// touching the cache entry's age on a hit.
func (c *Cache) Readdir(path string) ([]string, error) {
	if v, ok := c.dirs.Get(path); ok {
		c.dirs.Add(path, v) // re-adding renews the entry's TTL
		return v, nil
	}
	entries, err := readdirLimited(path, c.maxList)
	if err != nil {
		return nil, err
	}
	c.dirs.Add(path, entries)
	return entries, nil
}

// ReaddirContext is the awaitable form of Readdir: it honors ctx
// cancellation while the underlying directory read is in flight by
// running the syscall on a goroutine and racing it against ctx.Done.
func (c *Cache) ReaddirContext(ctx context.Context, path string) ([]string, error) {
	if v, ok := c.dirs.Get(path); ok {
		c.dirs.Add(path, v)
		return v, nil
	}
	type result struct {
		entries []string
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		entries, err := readdirLimited(path, c.maxList)
		ch <- result{entries, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		c.dirs.Add(path, r.entries)
		return r.entries, nil
	}
}

func readdirLimited(path string, maxList int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	for maxList <= 0 || len(names) < maxList {
		batch := 256
		if maxList > 0 {
			if remaining := maxList - len(names); remaining < batch {
				batch = remaining
			}
		}
		chunk, err := f.Readdirnames(batch)
		names = append(names, chunk...)
		if err != nil {
			break // io.EOF or any other terminal error ends the stream
		}
		if len(chunk) == 0 {
			break
		}
	}
	return names, nil
}

// Stat returns the cached stat result for path, computing and caching it
// on a miss. A non-existent path yields the negative-stat sentinel rather
// than an error.
func (c *Cache) Stat(path string) StatResult {
	if v, ok := c.stats.Get(path); ok {
		return v
	}
	r := statNow(path)
	c.stats.Add(path, r)
	return r
}

// StatContext is the awaitable form of Stat.
func (c *Cache) StatContext(ctx context.Context, path string) (StatResult, error) {
	if v, ok := c.stats.Get(path); ok {
		return v, nil
	}
	ch := make(chan StatResult, 1)
	go func() { ch <- statNow(path) }()
	select {
	case <-ctx.Done():
		return StatResult{}, ctx.Err()
	case r := <-ch:
		c.stats.Add(path, r)
		return r, nil
	}
}

func statNow(path string) StatResult {
	info, err := os.Stat(path)
	if err != nil {
		return StatResult{}
	}
	return StatResult{
		IsFile:    !info.IsDir(),
		IsDir:     info.IsDir(),
		ModTimeMs: info.ModTime().UnixMilli(),
		Size:      info.Size(),
	}
}

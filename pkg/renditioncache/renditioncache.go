// Package renditioncache implements the content-addressed on-disk WebP
// cache: atomic publish, reset-on-start, and a background TTL sweep.
package renditioncache

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"photogateway/pkg/fscache"
	"photogateway/pkg/rendition"
)

// SweepInterval is how often the cache directory is scanned for expired
// renditions.
const SweepInterval = 30 * time.Minute

// Cache is the disk rendition cache. A Cache with Enabled() == false still
// answers every call but never persists anything: renditions are served
// live on every request instead.
type Cache struct {
	dir     string
	enabled bool
	fs      *fscache.Cache
	logger  *log.Logger
}

// Open resolves the cache directory (primary, falling back to
// fallbackDir), probes it by creating and deleting a temp file, and if
// that succeeds, recursively deletes its current contents (a cold start
// discards renditions whose keys may no longer be valid under the new
// configuration). If neither directory is writable, the returned Cache
// has Enabled() == false and every subsequent operation is a no-op miss.
func Open(primaryDir, fallbackDir string, fs *fscache.Cache, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	c := &Cache{fs: fs, logger: logger}
	for _, dir := range []string{primaryDir, fallbackDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		if !probe(dir) {
			continue
		}
		c.dir = dir
		c.enabled = true
		break
	}
	if !c.enabled {
		logger.Printf("renditioncache: no writable cache directory among %q, %q; caching disabled", primaryDir, fallbackDir)
		return c
	}
	if err := wipe(c.dir); err != nil {
		logger.Printf("renditioncache: cold-start wipe of %s failed: %v", c.dir, err)
	}
	return c
}

func probe(dir string) bool {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func wipe(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Enabled reports whether the cache directory is usable.
func (c *Cache) Enabled() bool { return c.enabled }

// Dir returns the resolved cache directory, or "" if disabled.
func (c *Cache) Dir() string { return c.dir }

// Eligible reports whether a source of the given size should have its
// rendition persisted, per the CACHE_MIN_SIZE threshold.
func (c *Cache) Eligible(sourceSize, minSize int64) bool {
	return c.enabled && sourceSize >= minSize
}

func (c *Cache) finalPath(key rendition.Key) string {
	return filepath.Join(c.dir, key.FileName())
}

// Entry describes a cache hit's metadata for response headers.
type Entry struct {
	Size    int64
	ModTime time.Time
}

// ETag renders the quoted "<size>-<mtimeMs>" validator used on responses.
func (e Entry) ETag() string {
	return fmt.Sprintf("%q", fmt.Sprintf("%d-%d", e.Size, e.ModTime.UnixMilli()))
}

// Lookup reports whether key is present and non-empty in the cache,
// using the shared stat cache rather than a raw os.Stat. A cached miss is
// re-checked with os.Stat, since the stat cache does not see files this
// cache publishes after the miss was recorded.
func (c *Cache) Lookup(key rendition.Key) (Entry, bool) {
	if !c.enabled {
		return Entry{}, false
	}
	st := c.fs.Stat(c.finalPath(key))
	if !st.IsFile || st.Size == 0 {
		fi, err := os.Stat(c.finalPath(key))
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			return Entry{}, false
		}
		return Entry{Size: fi.Size(), ModTime: fi.ModTime()}, true
	}
	return Entry{Size: st.Size, ModTime: time.UnixMilli(st.ModTimeMs)}, true
}

// Open opens the final rendition file for streaming to a response. The
// caller must Close it.
func (c *Cache) Open(key rendition.Key) (*os.File, Entry, error) {
	f, err := os.Open(c.finalPath(key))
	if err != nil {
		return nil, Entry{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Entry{}, err
	}
	return f, Entry{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Writer streams a build to a "<key>.webp.tmp-<nonce>" temp file. Commit
// publishes it atomically by rename; Abort unlinks it. Exactly one of
// Commit or Abort must be called.
type Writer struct {
	f         *os.File
	tmpPath   string
	finalPath string
	written   int64
	done      bool
}

// NewWriter opens a fresh temp file for key. If the cache is disabled,
// NewWriter returns (nil, nil): callers should treat a nil Writer as "do
// not persist this build" without treating it as an error.
func (c *Cache) NewWriter(key rendition.Key) (*Writer, error) {
	if !c.enabled {
		return nil, nil
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	tmpPath := filepath.Join(c.dir, key.FileName()+".tmp-"+nonce)
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, tmpPath: tmpPath, finalPath: c.finalPath(key)}, nil
}

func randomNonce() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit renames the temp file to its final name if any bytes were
// written, otherwise it unlinks the temp file: a zero-byte or failed build
// must never leave a visible artifact behind.
func (w *Writer) Commit() error {
	if w == nil || w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	if w.written == 0 {
		return os.Remove(w.tmpPath)
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

// Abort unlinks the temp file without publishing it, used on error or
// client disconnect so no orphan tmp file remains.
func (w *Writer) Abort() error {
	if w == nil || w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// StartSweep runs the periodic TTL sweep until doneCh is closed. All sweep
// errors are swallowed: a failed delete just tries again next sweep.
func (c *Cache) StartSweep(doneCh <-chan struct{}, ttl time.Duration) {
	if !c.enabled {
		return
	}
	go func() {
		t := time.NewTicker(SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-doneCh:
				return
			case <-t.C:
				c.sweepOnce(ttl)
			}
		}
	}()
}

func (c *Cache) sweepOnce(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	_ = filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort sweep, retry next cycle
		}
		if path == c.dir {
			return nil
		}
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err == nil && len(entries) == 0 {
				os.Remove(path)
			}
			return nil
		}
		if filepath.Ext(path) == ".webp" && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
		return nil
	})
}

var _ io.Writer = (*Writer)(nil)

// Package webdavfs adapts the on-disk library root to
// golang.org/x/net/webdav's read-only webdav.FileSystem, following the
// read-only FileSystem/File split app/webdav/webdav.go uses for its
// blob-backed tree.
package webdavfs

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"photogateway/pkg/fscache"
)

// FS is a read-only webdav.FileSystem rooted at a real directory.
type FS struct {
	root    string
	fs      *fscache.Cache
	maxList int
}

var _ webdav.FileSystem = (*FS)(nil)

// New roots a WebDAV filesystem at root. Directory listings are
// truncated to maxList entries (0 means unlimited).
func New(root string, fs *fscache.Cache, maxList int) *FS {
	return &FS{root: filepath.Clean(root), fs: fs, maxList: maxList}
}

func (f *FS) resolve(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	full := filepath.Join(f.root, clean)
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	return full, nil
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

func (f *FS) RemoveAll(ctx context.Context, name string) error {
	return os.ErrPermission
}

func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	return os.ErrPermission
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	full, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	st := f.fs.Stat(full)
	if !st.IsFile && !st.IsDir {
		return nil, os.ErrNotExist
	}
	return fileInfo{name: filepath.Base(full), st: st}, nil
}

func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	full, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	st := f.fs.Stat(full)
	if !st.IsFile && !st.IsDir {
		return nil, os.ErrNotExist
	}
	if st.IsDir {
		entries, err := f.fs.Readdir(full)
		if err != nil {
			return nil, err
		}
		sort.Strings(entries)
		return &dirHandle{fs: f, full: full, name: filepath.Base(full), st: st, entries: entries}, nil
	}
	osFile, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: osFile, name: filepath.Base(full), st: st}, nil
}

type fileInfo struct {
	name string
	st   fscache.StatResult
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.st.Size }
func (fi fileInfo) Mode() os.FileMode {
	if fi.st.IsDir {
		return os.ModeDir | 0o555
	}
	return 0o444
}
func (fi fileInfo) ModTime() time.Time { return time.UnixMilli(fi.st.ModTimeMs) }
func (fi fileInfo) IsDir() bool        { return fi.st.IsDir }
func (fi fileInfo) Sys() interface{}   { return nil }

// fileHandle streams a real file's bytes read-only.
type fileHandle struct {
	f    *os.File
	name string
	st   fscache.StatResult
}

func (h *fileHandle) Read(p []byte) (int, error)                 { return h.f.Read(p) }
func (h *fileHandle) Seek(offset int64, whence int) (int64, error) { return h.f.Seek(offset, whence) }
func (h *fileHandle) Write(p []byte) (int, error)                 { return 0, os.ErrPermission }
func (h *fileHandle) Close() error                                { return h.f.Close() }
func (h *fileHandle) Readdir(count int) ([]os.FileInfo, error)    { return nil, os.ErrInvalid }
func (h *fileHandle) Stat() (os.FileInfo, error) {
	return fileInfo{name: h.name, st: h.st}, nil
}

// dirHandle serves a (possibly truncated) directory listing.
type dirHandle struct {
	fs      *FS
	full    string
	name    string
	st      fscache.StatResult
	entries []string
	pos     int
}

func (h *dirHandle) Read(p []byte) (int, error)                  { return 0, os.ErrInvalid }
func (h *dirHandle) Seek(offset int64, whence int) (int64, error) { return 0, os.ErrInvalid }
func (h *dirHandle) Write(p []byte) (int, error)                  { return 0, os.ErrPermission }
func (h *dirHandle) Close() error                                 { return nil }
func (h *dirHandle) Stat() (os.FileInfo, error) {
	return fileInfo{name: h.name, st: h.st}, nil
}

func (h *dirHandle) Readdir(count int) ([]os.FileInfo, error) {
	limit := len(h.entries)
	if h.fs.maxList > 0 && h.fs.maxList < limit {
		limit = h.fs.maxList
	}
	if h.pos >= limit {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	end := limit
	if count > 0 && h.pos+count < end {
		end = h.pos + count
	}
	var out []os.FileInfo
	for _, name := range h.entries[h.pos:end] {
		childSt := h.fs.fs.Stat(filepath.Join(h.full, name))
		out = append(out, fileInfo{name: name, st: childSt})
	}
	h.pos = end
	return out, nil
}

// RejectInfiniteDepth wraps a WebDAV handler to refuse
// "Depth: infinity" PROPFIND requests, which would force a full
// recursive directory walk over a potentially enormous library.
func RejectInfiniteDepth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PROPFIND" && strings.EqualFold(r.Header.Get("Depth"), "infinity") {
			http.Error(w, "Depth infinity is not supported.", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

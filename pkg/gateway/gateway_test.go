package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"photogateway/pkg/coalescer"
	"photogateway/pkg/config"
	"photogateway/pkg/fscache"
	"photogateway/pkg/gwerrors"
	"photogateway/pkg/renditioncache"
	"photogateway/pkg/scheduler"
	"photogateway/pkg/stats"
	"photogateway/pkg/transcode"
)

func newTestGateway(t *testing.T, root string) *Gateway {
	t.Helper()
	cfg := config.New(filepath.Join(root, "nonexistent.conf"), nil)
	fs := fscache.New(1000)
	cache := renditioncache.Open(filepath.Join(root, ".cache"), "", fs, nil)
	co := coalescer.New()
	sch := scheduler.New(100, 0, nil)
	doneCh := make(chan struct{})
	t.Cleanup(func() { close(doneCh) })
	go sch.Run(doneCh)
	tc := transcode.New(0, nil)
	webdav := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
	})
	tracker := stats.New("", nil)
	return New(cfg, fs, cache, co, sch, tc, webdav, nil, tracker, root, nil)
}

func TestServeHTTPRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	gw := newTestGateway(t, root)
	req := httptest.NewRequest("GET", "/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestServeHTTPDelegatesNonImageToWebDAV(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "note.txt"), []byte("hi"), 0o644)
	gw := newTestGateway(t, root)
	req := httptest.NewRequest("PROPFIND", "/note.txt", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207 (delegated to webdav)", rec.Code)
	}
}

func TestServeHTTP404sMissingImage(t *testing.T) {
	root := t.TempDir()
	gw := newTestGateway(t, root)
	req := httptest.NewRequest("GET", "/missing.jpg", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSafeResolveStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	gw := newTestGateway(t, root)
	full, err := gw.safeResolve("/a/b/../c.jpg")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "a", "c.jpg")
	if full != want {
		t.Fatalf("safeResolve = %q, want %q", full, want)
	}
}

func TestServeHTTPSetsWebDAVCacheHeaders(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "note.txt"), []byte("hi"), 0o644)
	gw := newTestGateway(t, root)
	req := httptest.NewRequest("GET", "/note.txt", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("Accept-Ranges = %q, want bytes", rec.Header().Get("Accept-Ranges"))
	}
	if rec.Header().Get("Cache-Control") != "public, max-age=0, must-revalidate" {
		t.Fatalf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
}

func TestStatusForErr(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{gwerrors.ErrSourceMissing, http.StatusNotFound},
		{gwerrors.ErrPixelLimitExceeded, http.StatusUnsupportedMediaType},
		{gwerrors.ErrSourceUnreadable, http.StatusInternalServerError},
		{gwerrors.ErrAccessDenied, http.StatusForbidden},
		{gwerrors.ErrClientGone, http.StatusGone},
		{errors.New("some other transcoder failure"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got, _ := statusForErr(c.err); got != c.want {
			t.Errorf("statusForErr(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestServeHTTPWritesStatusOnMissingImage(t *testing.T) {
	// A missing image must produce an explicit 404, not an implicit 200
	// from an unwritten ResponseWriter.
	root := t.TempDir()
	gw := newTestGateway(t, root)
	req := httptest.NewRequest("GET", "/missing.jpg", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty error body, got none")
	}
}

func TestServeHTTPTracksTextResponseStats(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "note.txt"), []byte("hello world"), 0o644)
	gw := newTestGateway(t, root)
	// Serve the file's bytes, as the real WebDAV layer does for a GET.
	gw.webdav = http.FileServer(http.Dir(root))
	req := httptest.NewRequest("GET", "/note.txt", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	snap := gw.tracker.Snapshot()
	if snap.Categories[string(stats.CategoryText)].Requests != 1 {
		t.Fatalf("text requests = %d, want 1", snap.Categories[string(stats.CategoryText)].Requests)
	}
}

func TestImageModeMapping(t *testing.T) {
	cases := map[string]transcode.Mode{
		"1": transcode.ModeFast,
		"2": transcode.ModeBalanced,
		"3": transcode.ModeHighCompression,
		"":  transcode.ModeBalanced,
	}
	for in, want := range cases {
		if got := imageModeToTranscodeMode(in); got != want {
			t.Errorf("imageModeToTranscodeMode(%q) = %q, want %q", in, got, want)
		}
	}
}

// Package gateway implements the top-level HTTP router: it decides
// whether a request names an image rendition or falls through to the
// delegated WebDAV filesystem, and wires the scheduler, coalescer,
// rendition cache, and transcoder together for the image path.
package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"photogateway/pkg/coalescer"
	"photogateway/pkg/conditioner"
	"photogateway/pkg/config"
	"photogateway/pkg/fscache"
	"photogateway/pkg/gwerrors"
	"photogateway/pkg/rendition"
	"photogateway/pkg/renditioncache"
	"photogateway/pkg/scheduler"
	"photogateway/pkg/stats"
	"photogateway/pkg/transcode"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
	".heic": true, ".heif": true, ".hif": true,
}

func isImageExt(ext string) bool { return imageExts[strings.ToLower(ext)] }

// imageModeToTranscodeMode maps the configured IMAGE_MODE ("1" fast, "2"
// balanced, "3" high-compression) onto the transcoder's profile.
func imageModeToTranscodeMode(mode string) transcode.Mode {
	switch mode {
	case "1":
		return transcode.ModeFast
	case "3":
		return transcode.ModeHighCompression
	default:
		return transcode.ModeBalanced
	}
}

// Gateway is the root http.Handler.
type Gateway struct {
	cfg        *config.Registry
	fs         *fscache.Cache
	cache      *renditioncache.Cache
	coalescer  *coalescer.Coalescer
	scheduler  *scheduler.Scheduler
	transcoder *transcode.Transcoder
	webdav     http.Handler
	settings   http.Handler
	tracker    *stats.Tracker
	root       string
	logger     *log.Logger
}

// New wires a Gateway. settings may be nil, in which case /setting/*
// requests 404.
func New(cfg *config.Registry, fs *fscache.Cache, cache *renditioncache.Cache, co *coalescer.Coalescer,
	sch *scheduler.Scheduler, tc *transcode.Transcoder, webdavHandler, settingsHandler http.Handler,
	tracker *stats.Tracker, root string, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	if tracker == nil {
		tracker = stats.New("", logger)
	}
	return &Gateway{
		cfg: cfg, fs: fs, cache: cache, coalescer: co, scheduler: sch, transcoder: tc,
		webdav: webdavHandler, settings: settingsHandler, tracker: tracker, root: filepath.Clean(root), logger: logger,
	}
}

// safeResolve maps a request path onto the library root, rejecting any
// path that (after cleaning) would escape the root.
func (g *Gateway) safeResolve(urlPath string) (string, error) {
	full := filepath.Join(g.root, filepath.FromSlash(urlPath))
	if full != g.root && !strings.HasPrefix(full, g.root+string(filepath.Separator)) {
		return "", gwerrors.ErrAccessDenied
	}
	return full, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/setting") {
		if g.settings != nil {
			g.settings.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	absPath, err := g.safeResolve(r.URL.Path)
	if err != nil {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	if isImageExt(ext) && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		g.handleImage(w, r, absPath, r.URL.Path)
		return
	}

	snap := g.cfg.Snapshot()
	originalBytes, sentBytes := conditioner.Condition(w, r, ext, snap.CompressionThreshold, func(cw http.ResponseWriter) {
		h := cw.Header()
		h.Set("Accept-Ranges", "bytes")
		h.Set("Cache-Control", "public, max-age=0, must-revalidate")
		g.webdav.ServeHTTP(cw, r)
	})
	if originalBytes > 0 {
		g.tracker.Track(stats.CategoryText, originalBytes, sentBytes)
	}
}

// setKeepAlive marks an image response as eligible for connection reuse,
// matching the persistent-connection policy the library-serving path
// relies on to amortize TLS/TCP setup across a photo grid's many requests.
func setKeepAlive(h http.Header) {
	h.Set("Connection", "Keep-Alive")
	h.Set("Keep-Alive", "timeout=600")
}

// statusForErr maps a serveImage error to the HTTP status/message pair a
// caller that hasn't yet written any response bytes should send.
func statusForErr(err error) (int, string) {
	switch {
	case errors.Is(err, gwerrors.ErrSourceMissing):
		return http.StatusNotFound, "not found"
	case errors.Is(err, gwerrors.ErrPixelLimitExceeded):
		return http.StatusUnsupportedMediaType, "image exceeds pixel limit"
	case errors.Is(err, gwerrors.ErrSourceUnreadable):
		return http.StatusInternalServerError, "source unreadable"
	case errors.Is(err, gwerrors.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, gwerrors.ErrClientGone):
		return http.StatusGone, "client disconnected"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// handleImage admits the request into the scheduler and blocks until the
// scheduler reports a terminal outcome (success written by serveImage
// itself, or a shed/timeout/cancellation Respond call).
func (g *Gateway) handleImage(w http.ResponseWriter, r *http.Request, absPath, displayPath string) {
	doneCh := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(doneCh) }) }

	item := &scheduler.Item{
		DisplayPath: displayPath,
		Respond: func(status int, msg string) {
			http.Error(w, msg, status)
			finish()
		},
		Process: func(ctx context.Context) error {
			defer finish()
			err := g.serveImage(ctx, w, r, absPath, displayPath)
			if err != nil && !errors.Is(err, gwerrors.ErrClientAbort) {
				g.logger.Printf("gateway: %s: %v", displayPath, err)
				status, msg := statusForErr(err)
				http.Error(w, msg, status)
			}
			return err
		},
	}
	g.scheduler.Enqueue(item)
	<-doneCh
}

func (g *Gateway) serveImage(ctx context.Context, w http.ResponseWriter, r *http.Request, absPath, displayPath string) error {
	st := g.fs.Stat(absPath)
	if !st.IsFile {
		return gwerrors.ErrSourceMissing
	}

	snap := g.cfg.Snapshot()
	longEdge := rendition.OriginalSize
	if snap.PhotoSize > 0 {
		longEdge = snap.PhotoSize
	}
	quality := snap.DefaultQuality

	key := rendition.New(absPath, longEdge, quality, st.ModTimeMs, st.Size)

	for {
		role, lease := g.coalescer.Enter(key.String(), displayPath)
		if role == coalescer.Leader {
			defer g.coalescer.Leave(lease)
			if entry, ok := g.cache.Lookup(key); ok {
				return g.serveCacheHit(w, r, key, entry, st.Size)
			}
			n, err := g.buildAndServe(ctx, w, absPath, displayPath, key, st, longEdge, quality, snap)
			if err == nil {
				g.tracker.Track(stats.CategoryImage, st.Size, n)
			}
			return err
		}

		// Follower: wait for the current leader, then recheck the cache.
		// If it's still a miss (a non-cache-eligible source, or the
		// leader's build failed), loop and re-enter as the sole builder
		// instead of racing the transcoder alongside every other
		// follower for the same key.
		if err := lease.Wait(ctx); err != nil {
			return gwerrors.ErrClientGone
		}
		if entry, ok := g.cache.Lookup(key); ok {
			return g.serveCacheHit(w, r, key, entry, st.Size)
		}
	}
}

func (g *Gateway) serveCacheHit(w http.ResponseWriter, r *http.Request, key rendition.Key, entry renditioncache.Entry, sourceSize int64) error {
	n, err := g.streamCacheHit(w, r, key, entry)
	if err == nil && n > 0 {
		g.tracker.Track(stats.CategoryImage, sourceSize, n)
	}
	return err
}

func (g *Gateway) streamCacheHit(w http.ResponseWriter, r *http.Request, key rendition.Key, entry renditioncache.Entry) (int64, error) {
	etag := entry.ETag()
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return 0, nil
	}
	f, fresh, err := g.cache.Open(key)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := w.Header()
	h.Set("Content-Type", "image/webp")
	h.Set("ETag", etag)
	h.Set("Content-Length", strconv.FormatInt(fresh.Size, 10))
	setKeepAlive(h)
	n, err := io.Copy(w, f)
	if err != nil {
		return n, gwerrors.ErrClientAbort
	}
	return n, nil
}

// buildSink commits response headers — and, for a cache-eligible source,
// starts teeing bytes into a pending cache file — at the instant the
// winning transcode tier is about to write, not before: if the request's
// context is already done at that point, Prepare reports it instead of
// ever touching the ResponseWriter, so a disconnect observed before the
// first byte surfaces as 410 rather than a silently truncated 200.
type buildSink struct {
	w           http.ResponseWriter
	cacheWriter *renditioncache.Writer
	dst         io.Writer
}

func (s *buildSink) Prepare(ctx context.Context, contentType string, contentLength int) error {
	if ctx.Err() != nil {
		return gwerrors.ErrClientGone
	}
	h := s.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(contentLength))
	setKeepAlive(h)
	s.w.WriteHeader(http.StatusOK)
	if s.cacheWriter != nil {
		s.dst = io.MultiWriter(s.w, s.cacheWriter)
	} else {
		s.dst = s.w
	}
	return nil
}

func (s *buildSink) Write(p []byte) (int, error) {
	n, err := s.dst.Write(p)
	if err != nil {
		return n, gwerrors.ErrClientAbort
	}
	return n, nil
}

// buildAndServe runs the transcode pipeline with its output teed
// directly to the response and, when the source qualifies, a pending
// cache file. Which tier ultimately serves the request decides both the
// response Content-Type and whether the cache write is kept or
// discarded once Transcode returns.
func (g *Gateway) buildAndServe(ctx context.Context, w http.ResponseWriter, absPath, displayPath string, key rendition.Key,
	st fscache.StatResult, longEdge, quality int, snap *config.Snapshot) (int64, error) {
	src, err := os.Open(absPath)
	if err != nil {
		return 0, gwerrors.ErrSourceUnreadable
	}
	defer src.Close()

	opts := transcode.Options{
		TargetLongEdge:  longEdge,
		Quality:         float32(quality),
		Mode:            imageModeToTranscodeMode(snap.ImageMode),
		Effort:          snap.WebpEffort,
		EffortFast:      snap.WebpEffortFast,
		ReductionEffort: snap.WebpReductionEffort,
		PixelLimit:      snap.SharpPixelLimit,
	}

	var cacheWriter *renditioncache.Writer
	if g.cache.Eligible(st.Size, snap.CacheMinSize) {
		if cw, werr := g.cache.NewWriter(key); werr == nil {
			cacheWriter = cw
		}
	}
	sink := &buildSink{w: w, cacheWriter: cacheWriter}

	result, terr := g.transcoder.Transcode(ctx, src, absPath, opts, sink)
	if terr != nil && !errors.Is(terr, gwerrors.ErrAllEnginesFailed) {
		cacheWriter.Abort()
		return 0, terr
	}

	if cacheWriter != nil {
		if result.ContentType == "image/webp" {
			if err := cacheWriter.Commit(); err != nil {
				g.logger.Printf("gateway: cache commit for %s failed: %v", displayPath, err)
			}
		} else {
			cacheWriter.Abort()
		}
	}
	return result.BytesOut, nil
}

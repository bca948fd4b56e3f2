// Package conditioner gzip-encodes text-like responses (and the
// delegated WebDAV layer's responses) when the client advertises support
// and compression actually pays for itself.
package conditioner

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// MinSize is the smallest response body, in bytes, worth attempting to
// compress; anything shorter is served as-is.
const MinSize = 1024

// DefaultCompressionThreshold is the maximum acceptable
// compressed/original size ratio: a response that doesn't shrink below
// this fraction of its original size is served uncompressed.
const DefaultCompressionThreshold = 0.3

var gzippableExt = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true,
	".json": true, ".xml": true, ".txt": true, ".md": true,
}

// Gzippable reports whether a response naming ext should be considered
// for gzip conditioning at all. Binary content types (images, archives,
// already-compressed renditions) are never candidates.
func Gzippable(ext string) bool {
	return gzippableExt[strings.ToLower(ext)]
}

// AcceptsGzip reports whether the request's Accept-Encoding header lists
// gzip.
func AcceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = enc[:i] // drop parameters such as ";q=0.8"
		}
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// recordingWriter buffers a response so Condition can measure its
// compressed size before committing to send it gzipped.
type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int)      { w.status = status }
func (w *recordingWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

// countingWriter passes writes straight through to the real
// ResponseWriter (no buffering) while totaling the bytes sent, for the
// paths where Condition never considers compressing the body at all.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n += int64(n)
	return n, err
}

// Condition runs handler against a buffered ResponseWriter, then emits
// either a gzipped or a plain response to rw depending on whether gzip is
// acceptable, the body clears MinSize, and the compression ratio clears
// threshold (0 selects DefaultCompressionThreshold). ext drives the
// gzip-eligible content-type allowlist; pass "" to skip that check. The
// gateway passes the request path's extension, so WebDAV responses for
// extension-less paths (directories) skip the allowlist.
// It returns the original and sent byte counts so a caller can track
// bytes-in/bytes-saved.
func Condition(rw http.ResponseWriter, r *http.Request, ext string, threshold float64, handler func(http.ResponseWriter)) (originalBytes, sentBytes int64) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if ext != "" && !Gzippable(ext) {
		cw := &countingWriter{ResponseWriter: rw}
		handler(cw)
		return cw.n, cw.n
	}
	rw.Header().Set("Vary", "Accept-Encoding")
	if !AcceptsGzip(r) {
		cw := &countingWriter{ResponseWriter: rw}
		handler(cw)
		return cw.n, cw.n
	}

	rec := &recordingWriter{ResponseWriter: rw, status: http.StatusOK}
	handler(rec)

	body := rec.buf.Bytes()
	if len(body) < MinSize {
		writePlain(rw, rec.status, rec.Header(), body)
		return int64(len(body)), int64(len(body))
	}

	var gzBuf bytes.Buffer
	gw, _ := gzip.NewWriterLevel(&gzBuf, gzip.BestCompression)
	if _, err := gw.Write(body); err != nil {
		gw.Close()
		writePlain(rw, rec.status, rec.Header(), body)
		return int64(len(body)), int64(len(body))
	}
	gw.Close()

	ratio := float64(gzBuf.Len()) / float64(len(body))
	if ratio >= threshold {
		writePlain(rw, rec.status, rec.Header(), body)
		return int64(len(body)), int64(len(body))
	}

	h := rw.Header()
	for k, v := range rec.Header() {
		h[k] = v
	}
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Length", strconv.Itoa(gzBuf.Len()))
	rw.WriteHeader(rec.status)
	rw.Write(gzBuf.Bytes())
	return int64(len(body)), int64(gzBuf.Len())
}

func writePlain(rw http.ResponseWriter, status int, hdr http.Header, body []byte) {
	h := rw.Header()
	for k, v := range hdr {
		h[k] = v
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	rw.WriteHeader(status)
	rw.Write(body)
}

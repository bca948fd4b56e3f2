package conditioner

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestGzippableExtensions(t *testing.T) {
	for _, ext := range []string{".html", ".HTML", ".css", ".js", ".json", ".xml", ".txt", ".md"} {
		if !Gzippable(ext) {
			t.Errorf("Gzippable(%q) = false, want true", ext)
		}
	}
	for _, ext := range []string{".jpg", ".webp", ".png", ".zip"} {
		if Gzippable(ext) {
			t.Errorf("Gzippable(%q) = true, want false", ext)
		}
	}
}

func TestAcceptsGzip(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "br, gzip;q=0.8")
	if !AcceptsGzip(req) {
		t.Fatal("expected gzip to be detected among multiple encodings")
	}
	req2 := httptest.NewRequest("GET", "/", nil)
	if AcceptsGzip(req2) {
		t.Fatal("expected no Accept-Encoding header to mean no gzip support")
	}
}

func TestConditionCompressesLargeCompressibleBody(t *testing.T) {
	req := httptest.NewRequest("GET", "/file.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	body := strings.Repeat("aaaaaaaaaa", 200) // highly compressible, well above MinSize
	Condition(rec, req, ".html", 0, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(200)
		w.Write([]byte(body))
	})

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, headers: %v", rec.Header())
	}
	if rec.Body.Len() >= len(body) {
		t.Fatalf("expected compressed body to be smaller, got %d vs original %d", rec.Body.Len(), len(body))
	}
	if rec.Header().Get("Vary") != "Accept-Encoding" {
		t.Fatalf("expected Vary: Accept-Encoding, headers: %v", rec.Header())
	}
}

func TestConditionSkipsSmallBody(t *testing.T) {
	req := httptest.NewRequest("GET", "/file.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	Condition(rec, req, ".html", 0, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write([]byte("short"))
	})
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("expected a body under MinSize to be served uncompressed")
	}
	if rec.Body.String() != "short" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestConditionSkipsNonGzippableExtension(t *testing.T) {
	req := httptest.NewRequest("GET", "/photo.jpg", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	body := strings.Repeat("x", 5000)
	Condition(rec, req, ".jpg", 0, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write([]byte(body))
	})
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("expected .jpg responses to never be gzip-conditioned")
	}
}

func TestConditionSkipsIncompressibleBody(t *testing.T) {
	req := httptest.NewRequest("GET", "/file.json", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	// Pseudo-random bytes that gzip cannot usefully shrink.
	body := make([]byte, 4096)
	x := uint32(12345)
	for i := range body {
		x = x*1664525 + 1013904223
		body[i] = byte(x >> 24)
	}
	Condition(rec, req, ".json", 0, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write(body)
	})
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("expected a body that fails the compression-ratio gate to be served uncompressed")
	}
}

func TestConditionReturnsByteCounts(t *testing.T) {
	req := httptest.NewRequest("GET", "/file.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	body := strings.Repeat("aaaaaaaaaa", 200)
	original, sent := Condition(rec, req, ".html", 0, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write([]byte(body))
	})
	if int(original) != len(body) {
		t.Fatalf("original = %d, want %d", original, len(body))
	}
	if sent >= original {
		t.Fatalf("sent = %d, want smaller than original %d", sent, original)
	}
}

func TestConditionServesPlainAtExactRatioThreshold(t *testing.T) {
	// A ratio exactly at threshold must be served uncompressed: the gate
	// is "gzip only when strictly better than threshold".
	req := httptest.NewRequest("GET", "/file.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	body := strings.Repeat("aaaaaaaaaa", 200)
	var gzBuf bytes.Buffer
	gw, _ := gzip.NewWriterLevel(&gzBuf, gzip.BestCompression)
	gw.Write([]byte(body))
	gw.Close()
	exactRatio := float64(gzBuf.Len()) / float64(len(body))

	Condition(rec, req, ".html", exactRatio, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write([]byte(body))
	})
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("expected a ratio exactly at threshold to be served uncompressed")
	}
}

func TestConditionSkipsWhenClientDoesNotAcceptGzip(t *testing.T) {
	req := httptest.NewRequest("GET", "/file.html", nil)
	rec := httptest.NewRecorder()
	body := strings.Repeat("aaaaaaaaaa", 200)
	Condition(rec, req, ".html", 0, func(w http.ResponseWriter) {
		w.WriteHeader(200)
		w.Write([]byte(body))
	})
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("expected no gzip without an Accept-Encoding header")
	}
}

// Package stats tracks before/after byte counts for the two response
// categories the gateway optimizes (images re-encoded to WebP, text
// responses gzip-conditioned) and exposes them as expvar counters and as
// the JSON body served at /setting/stats, debounced to a file so a crash
// doesn't lose recent totals.
package stats

import (
	"encoding/json"
	"expvar"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// FlushDebounce is how long Track waits after the last update before
// persisting to disk, coalescing bursts of requests into one write.
const FlushDebounce = 2 * time.Second

var (
	imageBytesIn   = expvar.NewInt("photogateway-image-bytes-in")
	imageBytesOut  = expvar.NewInt("photogateway-image-bytes-out")
	textBytesIn    = expvar.NewInt("photogateway-text-bytes-in")
	textBytesOut   = expvar.NewInt("photogateway-text-bytes-out")
	imageRequests  = expvar.NewInt("photogateway-image-requests")
	textRequests   = expvar.NewInt("photogateway-text-requests")
)

// Category identifies which counters a Track call updates.
type Category string

const (
	CategoryImage Category = "image"
	CategoryText  Category = "text"
)

// Totals is one category's running counters, as reported by /setting/stats.
type Totals struct {
	Requests       int64   `json:"requests"`
	OriginalBytes  int64   `json:"originalBytes"`
	OptimizedBytes int64   `json:"optimizedBytes"`
	SavedBytes     int64   `json:"savedBytes"`
	ReductionRatio float64 `json:"reductionRatio"`
}

// Snapshot is the full /setting/stats JSON payload.
type Snapshot struct {
	Totals     Totals            `json:"totals"`
	Categories map[string]Totals `json:"categories"`
}

type counters struct {
	requests int64
	in       int64
	out      int64
}

func (c *counters) totals() Totals {
	in := atomic.LoadInt64(&c.in)
	out := atomic.LoadInt64(&c.out)
	t := Totals{
		Requests:       atomic.LoadInt64(&c.requests),
		OriginalBytes:  in,
		OptimizedBytes: out,
		SavedBytes:     in - out,
	}
	if in > 0 {
		t.ReductionRatio = float64(t.SavedBytes) / float64(in)
	}
	return t
}

// Tracker accumulates counters and periodically flushes a JSON snapshot
// to disk.
type Tracker struct {
	logger *log.Logger
	path   string

	image counters
	text  counters

	mu         sync.Mutex
	flushTimer *time.Timer
}

// New creates a Tracker that flushes its snapshot to path.
func New(path string, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{logger: logger, path: path}
}

// Track records one request's original and optimized byte counts under
// category, updates the matching expvar counters, and schedules a
// debounced flush.
func (t *Tracker) Track(cat Category, originalBytes, optimizedBytes int64) {
	c := t.counterFor(cat)
	atomic.AddInt64(&c.requests, 1)
	atomic.AddInt64(&c.in, originalBytes)
	atomic.AddInt64(&c.out, optimizedBytes)

	switch cat {
	case CategoryImage:
		imageRequests.Add(1)
		imageBytesIn.Add(originalBytes)
		imageBytesOut.Add(optimizedBytes)
	case CategoryText:
		textRequests.Add(1)
		textBytesIn.Add(originalBytes)
		textBytesOut.Add(optimizedBytes)
	}

	t.scheduleFlush()
}

func (t *Tracker) counterFor(cat Category) *counters {
	if cat == CategoryText {
		return &t.text
	}
	return &t.image
}

func (t *Tracker) scheduleFlush() {
	if t.path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flushTimer != nil {
		t.flushTimer.Stop()
	}
	t.flushTimer = time.AfterFunc(FlushDebounce, t.flush)
}

func (t *Tracker) flush() {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Printf("stats: mkdir for %s: %v", t.path, err)
		return
	}
	b, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		t.logger.Printf("stats: marshal: %v", err)
		return
	}
	if err := os.WriteFile(t.path, b, 0o644); err != nil {
		t.logger.Printf("stats: write %s: %v", t.path, err)
	}
}

// Snapshot returns the current totals, combined and per-category.
func (t *Tracker) Snapshot() Snapshot {
	img := t.image.totals()
	txt := t.text.totals()
	combined := Totals{
		Requests:       img.Requests + txt.Requests,
		OriginalBytes:  img.OriginalBytes + txt.OriginalBytes,
		OptimizedBytes: img.OptimizedBytes + txt.OptimizedBytes,
		SavedBytes:     img.SavedBytes + txt.SavedBytes,
	}
	if combined.OriginalBytes > 0 {
		combined.ReductionRatio = float64(combined.SavedBytes) / float64(combined.OriginalBytes)
	}
	return Snapshot{
		Totals: combined,
		Categories: map[string]Totals{
			string(CategoryImage): img,
			string(CategoryText):  txt,
		},
	}
}

// Package config implements the typed, range-validated, hot-reloaded
// settings registry.
//
// The on-disk format is KEY=VALUE lines, '#' starts a comment, UTF-8.
// Readers never see a partially-applied reload: Snapshot returns an
// immutable value swapped atomically by the poller.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the registry re-reads its file.
const DefaultPollInterval = 10 * time.Second

// Snapshot is an immutable, internally consistent view of all recognized
// configuration keys. Callers fetch one with Registry.Snapshot
// and should use that single value for the duration of a request rather
// than re-querying the registry field by field.
type Snapshot struct {
	DefaultQuality int // 10-100
	PhotoSize      int // 100-8192

	MaxConcurrency    int   // 1-32
	SharpMemoryLimit  int   // 16-4096 (MB)
	SharpPixelLimit   int64 // 1e6-1e9

	CacheTTLMs   int64 // 60_000-86_400_000
	CacheMinSize int64 // 1024-104_857_600

	RateLimitRequests  int
	RateLimitWindowMs  int64
	RateLimitQueueSize int

	StackMaxSize           int // 50-500
	StackProcessingDelayMs int // 1-100
	MaxList                int // 10-10_000

	WebpEffort          int // 0-6
	WebpEffortFast      int // 0-6
	WebpReductionEffort int // >=0

	CompressionEnabled         bool
	ImageConversionEnabled     bool
	RateLimitEnabled           bool
	EmergencyDisableRateLimit  bool
	DropRequestsWhenOverloaded bool
	AggressiveDropEnabled      bool
	EmergencyResetEnabled      bool
	RestartEnabled             bool

	CompressionThreshold float64 // [0,1]

	RestartTime string // "HH:MM"
	MagickPath  string
	ImageMode   string // "1"|"2"|"3"
	WebpPreset  string
	Port        string
	RootPath    string
}

// RateLimitingForced reports whether rate limiting is in effect:
// RATE_LIMIT_ENABLED is set and EMERGENCY_DISABLE_RATE_LIMIT is not.
func (s *Snapshot) RateLimitingForced() bool {
	return s.RateLimitEnabled && !s.EmergencyDisableRateLimit
}

// Registry owns the config file, the poller, and the current Snapshot.
type Registry struct {
	path   string
	logger *log.Logger

	snap atomic.Pointer[Snapshot]

	mu           sync.Mutex
	onChange     []func(old, new *Snapshot)
	loggedOnce   map[string]bool // offense class -> logged this reload
	pollInterval time.Duration
}

// New reads path once, building the initial Snapshot from defaults where
// the file is missing or a key is absent/invalid, and returns the
// Registry. It never returns an error for a missing or malformed file —
// that is reported via invalid-value logging, not a fatal condition,
// since a gateway should still serve original files with defaults applied.
func New(path string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		path:         path,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		loggedOnce:   make(map[string]bool),
	}
	r.reload(nil)
	return r
}

// SetPollInterval overrides the default 10s reload cadence. Call before
// StartPolling.
func (r *Registry) SetPollInterval(d time.Duration) {
	r.pollInterval = d
}

// Snapshot returns the current immutable configuration.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// OnChange registers a callback invoked after each reload that produced a
// different Snapshot. Callbacks run synchronously in poll order; they
// should not block. Used by the process wiring to resize the
// transcoder's memory gate and to log scheduler changes that need a
// restart.
func (r *Registry) OnChange(fn func(old, new *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// StartPolling reloads the config file every pollInterval until doneCh
// is closed. It logs a diff whenever the reloaded snapshot differs from the
// current one.
func (r *Registry) StartPolling(doneCh <-chan struct{}) {
	go func() {
		t := time.NewTicker(r.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-doneCh:
				return
			case <-t.C:
				old := r.Snapshot()
				r.reload(old)
			}
		}
	}()
}

func (r *Registry) reload(old *Snapshot) {
	r.mu.Lock()
	r.loggedOnce = make(map[string]bool)
	r.mu.Unlock()

	kv, err := readKV(r.path)
	if err != nil {
		if old == nil {
			r.logger.Printf("config: %v, using defaults", err)
		}
		kv = map[string]string{}
	}

	next := r.build(kv)
	r.snap.Store(next)

	if old == nil {
		return
	}
	if diff := diffSnapshot(old, next); diff != "" {
		r.logger.Printf("config: reload changed: %s", diff)
	}
	r.mu.Lock()
	callbacks := append([]func(old, new *Snapshot){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn(old, next)
	}
}

func readKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue // not a KEY=VALUE line, ignored
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		kv[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	return kv, nil
}

// build applies every recognized key's typed getter against kv, falling
// back to def on a missing or invalid value. Unknown keys are ignored.
func (r *Registry) build(kv map[string]string) *Snapshot {
	g := &getter{kv: kv, warn: r.warnOnce}
	s := &Snapshot{
		DefaultQuality: g.int("DEFAULT_QUALITY", 85, 10, 100),
		PhotoSize:      g.int("PHOTO_SIZE", 1600, 100, 8192),

		MaxConcurrency:   g.int("MAX_CONCURRENCY", 4, 1, 32),
		SharpMemoryLimit: g.int("SHARP_MEMORY_LIMIT", 512, 16, 4096),
		SharpPixelLimit:  g.int64("SHARP_PIXEL_LIMIT", 268_435_456, 1_000_000, 1_000_000_000),

		CacheTTLMs:   g.int64("CACHE_TTL_MS", 24*3600*1000, 60_000, 86_400_000),
		CacheMinSize: g.int64("CACHE_MIN_SIZE", 16*1024, 1024, 104_857_600),

		RateLimitRequests:  g.int("RATE_LIMIT_REQUESTS", 100, 1, 1000),
		RateLimitWindowMs:  g.int64("RATE_LIMIT_WINDOW_MS", 60_000, 1000, 300_000),
		RateLimitQueueSize: g.int("RATE_LIMIT_QUEUE_SIZE", 100, 10, 1000),

		StackMaxSize:           g.int("STACK_MAX_SIZE", 100, 50, 500),
		StackProcessingDelayMs: g.int("STACK_PROCESSING_DELAY_MS", 5, 1, 100),
		MaxList:                g.int("MAX_LIST", 1000, 10, 10_000),

		WebpEffort:          g.int("WEBP_EFFORT", 4, 0, 6),
		WebpEffortFast:      g.int("WEBP_EFFORT_FAST", 2, 0, 6),
		WebpReductionEffort: g.intMin("WEBP_REDUCTION_EFFORT", 4, 0),

		CompressionEnabled:         g.bool("COMPRESSION_ENABLED", true),
		ImageConversionEnabled:     g.bool("IMAGE_CONVERSION_ENABLED", true),
		RateLimitEnabled:           g.bool("RATE_LIMIT_ENABLED", false),
		EmergencyDisableRateLimit:  g.bool("EMERGENCY_DISABLE_RATE_LIMIT", false),
		DropRequestsWhenOverloaded: g.bool("DROP_REQUESTS_WHEN_OVERLOADED", true),
		AggressiveDropEnabled:      g.bool("AGGRESSIVE_DROP_ENABLED", true),
		EmergencyResetEnabled:      g.bool("EMERGENCY_RESET_ENABLED", true),
		RestartEnabled:             g.bool("RESTART_ENABLED", false),

		CompressionThreshold: g.float01("COMPRESSION_THRESHOLD", 0.3),

		RestartTime: g.timeOfDay("RESTART_TIME", "04:00"),
		MagickPath:  g.str("MAGICK_PATH", "convert"),
		ImageMode:   g.oneOf("IMAGE_MODE", "2", []string{"1", "2", "3"}),
		WebpPreset:  g.str("WEBP_PRESET", "photo"),
		Port:        g.str("PORT", "1900"),
		RootPath:    g.str("ROOT_PATH", "."),
	}
	return s
}

func (r *Registry) warnOnce(offenseClass, msg string) {
	r.mu.Lock()
	already := r.loggedOnce[offenseClass]
	r.loggedOnce[offenseClass] = true
	r.mu.Unlock()
	if already {
		return
	}
	r.logger.Printf("config: %s", msg)
}

// getter provides the typed, range-validated, default-substituting
// accessors over a parsed KEY=VALUE map, the same shape as
// jsonconfig.Obj's Required/Optional pairs but reading plain strings.
type getter struct {
	kv   map[string]string
	warn func(offenseClass, msg string)
}

func (g *getter) str(key, def string) string {
	if v, ok := g.kv[key]; ok {
		return v
	}
	return def
}

func (g *getter) oneOf(key, def string, allowed []string) string {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	g.warn("invalid:"+key, fmt.Sprintf("%s=%q not in %v, using default %q", key, v, allowed, def))
	return def
}

func (g *getter) timeOfDay(key, def string) string {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not HH:MM, using default %q", key, v, def))
		return def
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not HH:MM, using default %q", key, v, def))
		return def
	}
	return v
}

func (g *getter) bool(key string, def bool) bool {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not a bool, using default %v", key, v, def))
		return def
	}
	return b
}

func (g *getter) float01(key string, def float64) float64 {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not in [0,1], using default %v", key, v, def))
		return def
	}
	return f
}

func (g *getter) int(key string, def, min, max int) int {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not in [%d,%d], using default %d", key, v, min, max, def))
		return def
	}
	return n
}

func (g *getter) intMin(key string, def, min int) int {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not >= %d, using default %d", key, v, min, def))
		return def
	}
	return n
}

func (g *getter) int64(key string, def, min, max int64) int64 {
	v, ok := g.kv[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < min || n > max {
		g.warn("invalid:"+key, fmt.Sprintf("%s=%q not in [%d,%d], using default %d", key, v, min, max, def))
		return def
	}
	return n
}

// diffSnapshot renders a short human-readable diff for the reload log. It
// is intentionally simple (reflect-free) since Snapshot's field count is
// fixed and small.
func diffSnapshot(old, next *Snapshot) string {
	var b bytes.Buffer
	field := func(name string, o, n interface{}) {
		if fmt.Sprint(o) != fmt.Sprint(n) {
			fmt.Fprintf(&b, "%s: %v -> %v; ", name, o, n)
		}
	}
	field("DEFAULT_QUALITY", old.DefaultQuality, next.DefaultQuality)
	field("PHOTO_SIZE", old.PhotoSize, next.PhotoSize)
	field("MAX_CONCURRENCY", old.MaxConcurrency, next.MaxConcurrency)
	field("SHARP_MEMORY_LIMIT", old.SharpMemoryLimit, next.SharpMemoryLimit)
	field("SHARP_PIXEL_LIMIT", old.SharpPixelLimit, next.SharpPixelLimit)
	field("CACHE_TTL_MS", old.CacheTTLMs, next.CacheTTLMs)
	field("CACHE_MIN_SIZE", old.CacheMinSize, next.CacheMinSize)
	field("STACK_MAX_SIZE", old.StackMaxSize, next.StackMaxSize)
	field("STACK_PROCESSING_DELAY_MS", old.StackProcessingDelayMs, next.StackProcessingDelayMs)
	field("MAX_LIST", old.MaxList, next.MaxList)
	field("WEBP_EFFORT", old.WebpEffort, next.WebpEffort)
	field("WEBP_EFFORT_FAST", old.WebpEffortFast, next.WebpEffortFast)
	field("WEBP_REDUCTION_EFFORT", old.WebpReductionEffort, next.WebpReductionEffort)
	field("COMPRESSION_ENABLED", old.CompressionEnabled, next.CompressionEnabled)
	field("IMAGE_CONVERSION_ENABLED", old.ImageConversionEnabled, next.ImageConversionEnabled)
	field("RATE_LIMIT_ENABLED", old.RateLimitEnabled, next.RateLimitEnabled)
	field("EMERGENCY_DISABLE_RATE_LIMIT", old.EmergencyDisableRateLimit, next.EmergencyDisableRateLimit)
	field("DROP_REQUESTS_WHEN_OVERLOADED", old.DropRequestsWhenOverloaded, next.DropRequestsWhenOverloaded)
	field("AGGRESSIVE_DROP_ENABLED", old.AggressiveDropEnabled, next.AggressiveDropEnabled)
	field("EMERGENCY_RESET_ENABLED", old.EmergencyResetEnabled, next.EmergencyResetEnabled)
	field("RESTART_ENABLED", old.RestartEnabled, next.RestartEnabled)
	field("COMPRESSION_THRESHOLD", old.CompressionThreshold, next.CompressionThreshold)
	field("RESTART_TIME", old.RestartTime, next.RestartTime)
	field("MAGICK_PATH", old.MagickPath, next.MagickPath)
	field("IMAGE_MODE", old.ImageMode, next.ImageMode)
	field("WEBP_PRESET", old.WebpPreset, next.WebpPreset)
	field("PORT", old.Port, next.Port)
	field("ROOT_PATH", old.RootPath, next.RootPath)
	return strings.TrimSuffix(b.String(), "; ")
}

// Dump renders the snapshot as KEY=VALUE text, used by the -dumpconfig
// debug subcommand (following cmd/pk/dumpconfig.go's idiom of a debug
// command that prints effective configuration).
func (s *Snapshot) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DEFAULT_QUALITY=%d\n", s.DefaultQuality)
	fmt.Fprintf(&b, "PHOTO_SIZE=%d\n", s.PhotoSize)
	fmt.Fprintf(&b, "MAX_CONCURRENCY=%d\n", s.MaxConcurrency)
	fmt.Fprintf(&b, "SHARP_MEMORY_LIMIT=%d\n", s.SharpMemoryLimit)
	fmt.Fprintf(&b, "SHARP_PIXEL_LIMIT=%d\n", s.SharpPixelLimit)
	fmt.Fprintf(&b, "CACHE_TTL_MS=%d\n", s.CacheTTLMs)
	fmt.Fprintf(&b, "CACHE_MIN_SIZE=%d\n", s.CacheMinSize)
	fmt.Fprintf(&b, "RATE_LIMIT_REQUESTS=%d\n", s.RateLimitRequests)
	fmt.Fprintf(&b, "RATE_LIMIT_WINDOW_MS=%d\n", s.RateLimitWindowMs)
	fmt.Fprintf(&b, "RATE_LIMIT_QUEUE_SIZE=%d\n", s.RateLimitQueueSize)
	fmt.Fprintf(&b, "STACK_MAX_SIZE=%d\n", s.StackMaxSize)
	fmt.Fprintf(&b, "STACK_PROCESSING_DELAY_MS=%d\n", s.StackProcessingDelayMs)
	fmt.Fprintf(&b, "MAX_LIST=%d\n", s.MaxList)
	fmt.Fprintf(&b, "WEBP_EFFORT=%d\n", s.WebpEffort)
	fmt.Fprintf(&b, "WEBP_EFFORT_FAST=%d\n", s.WebpEffortFast)
	fmt.Fprintf(&b, "WEBP_REDUCTION_EFFORT=%d\n", s.WebpReductionEffort)
	fmt.Fprintf(&b, "COMPRESSION_ENABLED=%v\n", s.CompressionEnabled)
	fmt.Fprintf(&b, "IMAGE_CONVERSION_ENABLED=%v\n", s.ImageConversionEnabled)
	fmt.Fprintf(&b, "RATE_LIMIT_ENABLED=%v\n", s.RateLimitEnabled)
	fmt.Fprintf(&b, "EMERGENCY_DISABLE_RATE_LIMIT=%v\n", s.EmergencyDisableRateLimit)
	fmt.Fprintf(&b, "DROP_REQUESTS_WHEN_OVERLOADED=%v\n", s.DropRequestsWhenOverloaded)
	fmt.Fprintf(&b, "AGGRESSIVE_DROP_ENABLED=%v\n", s.AggressiveDropEnabled)
	fmt.Fprintf(&b, "EMERGENCY_RESET_ENABLED=%v\n", s.EmergencyResetEnabled)
	fmt.Fprintf(&b, "RESTART_ENABLED=%v\n", s.RestartEnabled)
	fmt.Fprintf(&b, "COMPRESSION_THRESHOLD=%v\n", s.CompressionThreshold)
	fmt.Fprintf(&b, "RESTART_TIME=%s\n", s.RestartTime)
	fmt.Fprintf(&b, "MAGICK_PATH=%s\n", s.MagickPath)
	fmt.Fprintf(&b, "IMAGE_MODE=%s\n", s.ImageMode)
	fmt.Fprintf(&b, "WEBP_PRESET=%s\n", s.WebpPreset)
	fmt.Fprintf(&b, "PORT=%s\n", s.Port)
	fmt.Fprintf(&b, "ROOT_PATH=%s\n", s.RootPath)
	return b.String()
}

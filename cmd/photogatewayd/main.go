// Command photogatewayd serves a read-only, WebP-optimizing HTTP/WebDAV
// gateway in front of a large on-disk photo and book library.
package main

import (
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/webdav"

	"photogateway/pkg/coalescer"
	"photogateway/pkg/config"
	"photogateway/pkg/fscache"
	"photogateway/pkg/gateway"
	"photogateway/pkg/lifecycle"
	"photogateway/pkg/renditioncache"
	"photogateway/pkg/scheduler"
	"photogateway/pkg/settingsui"
	"photogateway/pkg/stats"
	"photogateway/pkg/transcode"
	"photogateway/pkg/webdavfs"
)

var (
	flagConfig     = flag.String("config", "photogateway.conf", "path to the KEY=VALUE configuration file")
	flagCacheDir   = flag.String("cachedir", "", "primary rendition cache directory (defaults to <config dir>/.cache)")
	flagPublicDir  = flag.String("publicdir", "public", "directory of static settings-UI assets")
	flagStatsFile  = flag.String("statsfile", "logs/stats.json", "path the stats tracker debounce-flushes to")
	flagDumpConfig = flag.Bool("dumpconfig", false, "print the effective configuration and exit")
	flagVersion    = flag.Bool("version", false, "show version and exit")
)

var logger = log.New(os.Stderr, "PHOTOGATEWAYD: ", log.LstdFlags)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println("photogatewayd", version)
		return
	}

	cfg := config.New(*flagConfig, logger)

	if *flagDumpConfig {
		fmt.Print(cfg.Snapshot().Dump())
		return
	}

	doneCh := make(chan struct{})
	cfg.StartPolling(doneCh)

	snap := cfg.Snapshot()
	root, err := filepath.Abs(snap.RootPath)
	if err != nil {
		logger.Fatalf("resolving root path %q: %v", snap.RootPath, err)
	}

	fs := fscache.New(snap.MaxList)

	cacheDir := *flagCacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(filepath.Dir(*flagConfig), ".cache")
	}
	fallbackCacheDir := filepath.Join(os.TempDir(), "photogateway-cache")
	cache := renditioncache.Open(cacheDir, fallbackCacheDir, fs, logger)

	co := coalescer.New()
	sch := scheduler.New(snap.StackMaxSize, time.Duration(snap.StackProcessingDelayMs)*time.Millisecond, logger)

	tc := transcode.New(int64(snap.SharpMemoryLimit)<<20, logger)

	dav := webdavfs.New(root, fs, snap.MaxList)
	davHandler := webdav.Handler{
		FileSystem: dav,
		LockSystem: webdav.NewMemLS(),
	}
	webdavHandler := webdavfs.RejectInfiniteDepth(&davHandler)

	tracker := stats.New(*flagStatsFile, logger)
	settings := settingsui.New(*flagPublicDir, *flagConfig, cfg, tracker, logger)

	gw := gateway.New(cfg, fs, cache, co, sch, tc, webdavHandler, settings, tracker, root, logger)

	go sch.Run(doneCh)
	sch.StartStuckDetector(doneCh)
	co.StartWatchdog(doneCh, coalescer.DefaultLeaseTTL)
	cache.StartSweep(doneCh, time.Duration(snap.CacheTTLMs)*time.Millisecond)

	// Hot-reload hooks: the memory gate's semaphore is rebuilt when
	// SHARP_MEMORY_LIMIT changes. The scheduler keeps the size and delay
	// it was built with, so a change to those is only logged.
	cfg.OnChange(func(old, next *config.Snapshot) {
		if old.SharpMemoryLimit != next.SharpMemoryLimit {
			tc.SetMemoryLimit(int64(next.SharpMemoryLimit) << 20)
		}
		if old.StackMaxSize != next.StackMaxSize || old.StackProcessingDelayMs != next.StackProcessingDelayMs {
			logger.Printf("photogatewayd: STACK_MAX_SIZE/STACK_PROCESSING_DELAY_MS changed; restart to apply to the running scheduler")
		}
	})

	runner := lifecycle.New(logger, func() map[string]any {
		return map[string]any{
			"inFlight":      co.InFlight(),
			"queueDepth":    sch.Len(),
			"cacheEnabled":  cache.Enabled(),
			"requestTotals": tracker.Snapshot().Totals,
		}
	})
	runner.StartHealthLog(doneCh, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/healthz", runner.HealthzHandler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", gw)

	addr := ":" + snap.Port
	srv := &http.Server{Addr: addr, Handler: withAccessLog(mux)}

	runner.OnStop(func() {
		close(doneCh)
		if err := srv.Close(); err != nil {
			logger.Printf("photogatewayd: server close: %v", err)
		}
	})

	go func() {
		logger.Printf("photogatewayd: serving %s on %s", root, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("photogatewayd: %v", err)
		}
	}()

	runner.Run(snap.RestartEnabled, snap.RestartTime, "Asia/Tokyo")
	logger.Printf("photogatewayd: exiting")
}

func withAccessLog(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		logger.Printf("%s %s %s %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

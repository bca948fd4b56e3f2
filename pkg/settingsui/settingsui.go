// Package settingsui serves the settings web UI: static assets under a
// public/ directory plus the small set of JSON endpoints under
// /setting/* that read and edit the live configuration file and report
// system and usage statistics.
package settingsui

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"photogateway/pkg/config"
	"photogateway/pkg/stats"
)

// MaxSaveBody bounds the POST /setting/save request body.
const MaxSaveBody = 1 << 20 // 1 MiB

var staticContentTypes = map[string]string{
	".html": "text/html; utf-8",
	".htm":  "text/html; utf-8",
	".css":  "text/css; utf-8",
	".js":   "application/javascript; utf-8",
	".json": "application/json; utf-8",
	".xml":  "application/xml; utf-8",
	".txt":  "text/plain; utf-8",
	".md":   "text/markdown; utf-8",
}

func contentTypeFor(ext string) string {
	if ct, ok := staticContentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Handler serves everything under /setting.
type Handler struct {
	publicDir  string
	configPath string
	cfg        *config.Registry
	tracker    *stats.Tracker
	logger     *log.Logger
}

// New creates a settings Handler. publicDir holds the static HTML/CSS/JS
// assets; configPath is the live KEY=VALUE config file edited by
// /setting/save.
func New(publicDir, configPath string, cfg *config.Registry, tracker *stats.Tracker, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{publicDir: publicDir, configPath: configPath, cfg: cfg, tracker: tracker, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/setting" || r.URL.Path == "/setting/":
		h.serveStatic(w, r, "index.html")
	case r.URL.Path == "/setting/data":
		h.serveData(w, r)
	case r.URL.Path == "/setting/save":
		h.serveSave(w, r)
	case r.URL.Path == "/setting/sysinfo":
		h.serveSysinfo(w, r)
	case r.URL.Path == "/setting/stats":
		h.serveStats(w, r)
	case strings.HasPrefix(r.URL.Path, "/setting/"):
		h.serveStatic(w, r, strings.TrimPrefix(r.URL.Path, "/setting/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, rel string) {
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(h.publicDir, clean)
	if full != h.publicDir && !strings.HasPrefix(full, h.publicDir+string(filepath.Separator)) {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", contentTypeFor(filepath.Ext(full)))
	io.Copy(w, f)
}

func (h *Handler) serveData(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(h.configPath)
	if err != nil {
		content = nil // missing config file reads back as an empty document, not an error
	}
	writeJSON(w, map[string]string{"content": string(content)})
}

func (h *Handler) serveSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxSaveBody+1))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(raw) > MaxSaveBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := os.WriteFile(h.configPath, []byte(body.Content), 0o644); err != nil {
		h.logger.Printf("settingsui: save config: %v", err)
		http.Error(w, "failed to save config", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type sysinfo struct {
	CPUCount               int     `json:"cpuCount"`
	TotalMemoryGB          float64 `json:"totalMemoryGB"`
	RecommendedConcurrency int     `json:"recommendedConcurrency"`
	RecommendedMemory      int     `json:"recommendedMemory"`
	MaxConcurrency         int     `json:"maxConcurrency"`
}

func (h *Handler) serveSysinfo(w http.ResponseWriter, r *http.Request) {
	cpus := runtime.NumCPU()
	totalGB := estimateTotalMemoryGB()
	snap := h.cfg.Snapshot()
	writeJSON(w, sysinfo{
		CPUCount:               cpus,
		TotalMemoryGB:          totalGB,
		RecommendedConcurrency: recommendedConcurrency(cpus),
		RecommendedMemory:      recommendedMemoryMB(totalGB),
		MaxConcurrency:         snap.MaxConcurrency,
	})
}

func recommendedConcurrency(cpus int) int {
	n := cpus - 1
	if n < 1 {
		n = 1
	}
	return n
}

func recommendedMemoryMB(totalGB float64) int {
	mb := int(totalGB * 1024 * 0.25)
	if mb < 128 {
		mb = 128
	}
	return mb
}

// estimateTotalMemoryGB reads MemTotal from /proc/meminfo. On platforms
// without it, 0 is reported and the recommendation falls back to the
// 128 MB floor.
func estimateTotalMemoryGB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return float64(kb) / (1024 * 1024)
		}
	}
	return 0
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.tracker.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Package transcode implements the streaming image pipeline: decode the
// source in whatever format it arrives, resize and correct orientation,
// and encode a WebP rendition. It escalates through three tiers when the
// preceding one fails or overruns its budget: a cgo-backed primary
// engine, a pure-Go fallback engine, and finally an original-bytes
// passthrough.
package transcode

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adrium/goheif"
	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"github.com/rwcarlsen/goexif/exif"
	"go4.org/syncutil"
	_ "golang.org/x/image/webp"

	"photogateway/pkg/gwerrors"
	"photogateway/pkg/rendition"
)

// PrimaryTimeout bounds how long the primary engine may run before the
// pipeline escalates to the fallback engine.
const PrimaryTimeout = 5 * time.Second

// Engine identifies which tier produced a Result, for logging and stats.
type Engine string

const (
	EnginePrimary     Engine = "primary"
	EngineFallback    Engine = "fallback"
	EnginePassthrough Engine = "passthrough"
)

// Mode selects the resize/encode profile, set by IMAGE_MODE.
type Mode string

const (
	ModeFast            Mode = "fast"
	ModeBalanced        Mode = "balanced"
	ModeHighCompression Mode = "high-compression"
)

// Options configures one transcode call. TargetLongEdge may be
// rendition.OriginalSize to request no resizing.
type Options struct {
	TargetLongEdge  int
	Quality         float32
	Mode            Mode
	Effort          int
	EffortFast      int
	ReductionEffort int
	PixelLimit      int64
}

// Result describes the outcome of a successful Transcode call.
type Result struct {
	Engine      Engine
	ContentType string
	BytesOut    int64
}

var heicExts = map[string]bool{
	".heic": true, ".heif": true, ".hif": true,
}

// IsHEICFamily reports whether ext (including the leading dot, any case)
// names a HEIC/HEIF source, which bypasses the standard image decoders
// and goes straight to goheif.
func IsHEICFamily(ext string) bool {
	return heicExts[strings.ToLower(ext)]
}

// ResponseSink lets a caller of Transcode defer header commitment until
// the instant the winning engine's bytes are ready to write, instead of
// the pipeline writing to a plain io.Writer that has already committed
// headers unconditionally. A plain io.Writer (e.g. in tests) still works;
// Transcode only calls Prepare when w implements it.
type ResponseSink interface {
	io.Writer
	Prepare(ctx context.Context, contentType string, contentLength int) error
}

func commitAndWrite(ctx context.Context, w io.Writer, contentType string, body []byte) (int, error) {
	if sink, ok := w.(ResponseSink); ok {
		if err := sink.Prepare(ctx, contentType, len(body)); err != nil {
			return 0, err
		}
	} else if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return w.Write(body)
}

// Transcoder runs the pipeline under a concurrency gate weighted by
// estimated memory (four times the encoded source size per job),
// mirroring the RAM-weighted semaphore
// the thumbnail handler this package is modeled on uses.
type Transcoder struct {
	logger *log.Logger
	sem    atomic.Pointer[syncutil.Sem]
}

// New creates a Transcoder whose peak estimated memory use across
// concurrent jobs is bounded by memoryLimit bytes.
func New(memoryLimit int64, logger *log.Logger) *Transcoder {
	if logger == nil {
		logger = log.Default()
	}
	if memoryLimit <= 0 {
		memoryLimit = 512 << 20
	}
	t := &Transcoder{logger: logger}
	t.sem.Store(syncutil.NewSem(memoryLimit))
	return t
}

// SetMemoryLimit atomically swaps the concurrency gate for a new limit,
// safe to call concurrently with in-flight Transcode calls (which hold
// onto whichever gate they acquired). Used when a config reload changes
// SHARP_MEMORY_LIMIT.
func (t *Transcoder) SetMemoryLimit(memoryLimit int64) {
	if memoryLimit <= 0 {
		memoryLimit = 512 << 20
	}
	t.sem.Store(syncutil.NewSem(memoryLimit))
}

// Transcode reads the full source into memory (decode-then-resize needs
// random access for orientation and cropping), then decodes, resizes,
// and encodes it as WebP to w. sourcePath is used only to pick a decoder
// by extension.
func (t *Transcoder) Transcode(ctx context.Context, src io.Reader, sourcePath string, opts Options, w io.Writer) (Result, error) {
	raw, err := io.ReadAll(src)
	if err != nil {
		return Result{}, err
	}
	ext := strings.ToLower(filepath.Ext(sourcePath))

	cfg, _, cfgErr := image.DecodeConfig(bytes.NewReader(raw))
	if cfgErr == nil && opts.PixelLimit > 0 {
		if int64(cfg.Width)*int64(cfg.Height) > opts.PixelLimit {
			return Result{}, gwerrors.ErrPixelLimitExceeded
		}
	}

	ramEstimate := int64(len(raw)) * 4
	sem := t.sem.Load()
	if err := sem.Acquire(ramEstimate); err != nil {
		return Result{}, err
	}
	defer sem.Release(ramEstimate)

	var buf bytes.Buffer

	// HEIC/HEIF sources skip the primary engine: goheif decoding is
	// already the slow path, and running libwebp's full encoder on top
	// of it duplicates the cost the fallback tier exists to avoid.
	if !IsHEICFamily(ext) {
		primaryCtx, cancel := context.WithTimeout(ctx, PrimaryTimeout)
		defer cancel()

		resultCh := make(chan error, 1)
		go func() {
			resultCh <- encodePrimary(raw, ext, opts, &buf)
		}()

		select {
		case err := <-resultCh:
			if err == nil {
				n, werr := commitAndWrite(ctx, w, "image/webp", buf.Bytes())
				if werr != nil {
					return Result{}, werr
				}
				return Result{Engine: EnginePrimary, ContentType: "image/webp", BytesOut: int64(n)}, nil
			}
			t.logger.Printf("transcode: primary engine failed for %s: %v", sourcePath, err)
		case <-primaryCtx.Done():
			t.logger.Printf("transcode: primary engine timed out for %s", sourcePath)
		}
		buf.Reset()
	}

	if ctx.Err() != nil {
		return Result{}, gwerrors.ErrClientGone
	}

	if err := encodeFallback(raw, ext, opts, &buf); err == nil {
		n, werr := commitAndWrite(ctx, w, "image/webp", buf.Bytes())
		if werr != nil {
			return Result{}, werr
		}
		return Result{Engine: EngineFallback, ContentType: "image/webp", BytesOut: int64(n)}, nil
	} else {
		t.logger.Printf("transcode: fallback engine failed for %s: %v", sourcePath, err)
	}

	n, werr := commitAndWrite(ctx, w, passthroughContentType(ext), raw)
	if werr != nil {
		return Result{}, werr
	}
	return Result{Engine: EnginePassthrough, ContentType: passthroughContentType(ext), BytesOut: int64(n)}, gwerrors.ErrAllEnginesFailed
}

func decodeWithOrientation(raw []byte, ext string) (image.Image, error) {
	if IsHEICFamily(ext) {
		return goheif.Decode(bytes.NewReader(raw))
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if rot := orientationFix(raw); rot != nil {
		img = rot(img)
	}
	return img, nil
}

// orientationFix returns a correcting transform for the image's EXIF
// orientation tag, or nil if the tag is absent or identity.
func orientationFix(raw []byte) func(image.Image) image.Image {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return nil
	}
	o, err := tag.Int(0)
	if err != nil {
		return nil
	}
	switch o {
	case 3:
		return imaging.Rotate180
	case 6:
		return func(i image.Image) image.Image { return imaging.Rotate270(i) }
	case 8:
		return func(i image.Image) image.Image { return imaging.Rotate90(i) }
	default:
		return nil
	}
}

func resizeTo(img image.Image, longEdge int) image.Image {
	if longEdge == rendition.OriginalSize || longEdge <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() >= b.Dy() {
		if b.Dx() <= longEdge {
			return img
		}
		return imaging.Resize(img, longEdge, 0, imaging.Lanczos)
	}
	if b.Dy() <= longEdge {
		return img
	}
	return imaging.Resize(img, 0, longEdge, imaging.Lanczos)
}

// encodePrimary is the full-featured path: EXIF-corrected decode,
// Lanczos resize, and a libwebp encode tuned by Options.Mode.
func encodePrimary(raw []byte, ext string, opts Options, w io.Writer) error {
	img, err := decodeWithOrientation(raw, ext)
	if err != nil {
		return err
	}
	img = resizeTo(img, opts.TargetLongEdge)

	preset := encoder.PresetPhoto
	effort := opts.Effort
	switch opts.Mode {
	case ModeHighCompression:
		preset = encoder.PresetPicture
		effort = opts.ReductionEffort
	case ModeFast:
		effort = opts.EffortFast
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = 75
	}
	encOpts, err := encoder.NewLossyEncoderOptions(preset, quality)
	if err != nil {
		return err
	}
	if effort > 0 {
		encOpts.Method = effort
	}
	return webp.Encode(w, img, encOpts)
}

// encodeFallback decodes through imaging with EXIF auto-orientation (or
// goheif for HEIC-family sources) and always uses the fast effort tier,
// trading quality for a pipeline that survives when the primary engine
// overran its timeout or hit a decode edge case.
func encodeFallback(raw []byte, ext string, opts Options, w io.Writer) error {
	var img image.Image
	var err error
	if IsHEICFamily(ext) {
		img, err = goheif.Decode(bytes.NewReader(raw))
	} else {
		img, err = imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	}
	if err != nil {
		return err
	}
	img = resizeTo(img, opts.TargetLongEdge)

	quality := opts.Quality
	if quality <= 0 {
		quality = 70
	}
	encOpts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return err
	}
	encOpts.Method = opts.EffortFast
	return webp.Encode(w, img, encOpts)
}

func passthroughContentType(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic", ".heif", ".hif":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}

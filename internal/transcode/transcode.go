// Package transcode produces streaming WebP renditions of source images.
//
// Engines are tried in order (libvips in-process, then ImageMagick as a
// spawned process); when all engines fail the original bytes are passed
// through unchanged. A client disconnect at any layer cancels the pipeline
// and is never surfaced as an error.
package transcode

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("transcode")

// Image mode presets from the IMAGE_MODE setting.
const (
	ModeFast            = 1
	ModeBalanced        = 2
	ModeHighCompression = 3
)

// PassthroughEngine is the Result.Engine value when no engine produced
// output and the original bytes were served.
const PassthroughEngine = "original"

// ErrPixelLimit indicates the source exceeds the decompression-bomb guard.
// Terminal: no engine is attempted.
var ErrPixelLimit = errors.New("source image exceeds pixel limit")

// ErrClientClosed indicates the client went away mid-stream. Not a failure;
// the caller resolves the request as cancelled.
var ErrClientClosed = errors.New("client closed connection")

// IsClientClosed reports whether err is (or wraps) a client disconnect.
func IsClientClosed(err error) bool {
	return errors.Is(err, ErrClientClosed)
}

// Source identifies the image file being transcoded.
type Source struct {
	Path    string
	Size    int64
	MtimeMs int64
}

// Options carries the per-request transform parameters.
type Options struct {
	Quality         int
	LongEdge        int
	Mode            int
	Effort          int
	EffortFast      int
	ReductionEffort int
	Preset          string
	PixelLimit      int64
	MagickPath      string
}

// EffectiveEffort picks the encoder effort for the active mode.
func (o Options) EffectiveEffort() int {
	if o.Mode == ModeFast {
		return o.EffortFast
	}

	return o.Effort
}

// Result describes a completed render.
type Result struct {
	Engine      string
	ContentType string
	Bytes       int64
}

// Sink receives the response bytes. StartResponse is called exactly once,
// before the first body byte. A Write error means the client is gone.
type Sink interface {
	StartResponse(contentType string)
	io.Writer
}

// CacheWriter is a partial rendition file being written alongside the
// response. Commit publishes it; Abort discards it.
type CacheWriter interface {
	io.Writer
	Commit() error
	Abort()
}

// CacheFactory returns a fresh partial writer for one engine attempt, or
// nil when the rendition should not be persisted.
type CacheFactory func() CacheWriter

// Engine encodes a source image into WebP bytes written to out.
type Engine interface {
	Name() string

	// Supports reports whether the engine can read the given extension.
	Supports(ext string) bool

	// HardTimeout bounds one encode attempt; zero means unbounded.
	HardTimeout() time.Duration

	Encode(ctx context.Context, src Source, opt Options, out io.Writer) error
}

// Transcoder drives the ordered engine chain.
type Transcoder struct {
	engines []Engine
}

// New creates a Transcoder over the given engine chain.
func New(engines ...Engine) *Transcoder {
	return &Transcoder{engines: engines}
}

// Render streams a rendition of src to the response sink, teeing eligible
// output into a cache partial obtained from cacheFor. Exactly one of the
// following happens: a WebP rendition is streamed, the original bytes are
// streamed, or ErrClientClosed/ErrPixelLimit/another error is returned with
// nothing (or a partial body) sent.
func (t *Transcoder) Render(ctx context.Context, src Source, opt Options, resp Sink, cacheFor CacheFactory) (Result, error) {
	ext := strings.ToLower(filepath.Ext(src.Path))

	if err := checkPixelLimit(src.Path, ext, opt.PixelLimit); err != nil {
		return Result{}, err
	}

	for _, eng := range t.engines {
		if !eng.Supports(ext) {
			log(ctx).Debugf("%v does not support %v, skipping", eng.Name(), ext)
			continue
		}

		res, err := t.attempt(ctx, eng, src, opt, resp, cacheFor)

		switch {
		case err == nil:
			return res, nil

		case IsClientClosed(err) || ctx.Err() != nil:
			return Result{}, ErrClientClosed

		case res.Bytes > 0:
			// body already partially streamed, a fallback would corrupt it
			return Result{}, errors.Wrapf(err, "%v failed mid-stream", eng.Name())

		default:
			log(ctx).Warnf("%v failed for %v, escalating: %v", eng.Name(), src.Path, err)
		}
	}

	return t.passthrough(ctx, src, ext, resp)
}

// attempt runs one engine with a fresh tee and cache partial.
func (t *Transcoder) attempt(ctx context.Context, eng Engine, src Source, opt Options, resp Sink, cacheFor CacheFactory) (Result, error) {
	attemptCtx := ctx

	if ht := eng.HardTimeout(); ht > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, ht)
		defer cancel()
	}

	var cw CacheWriter
	if cacheFor != nil {
		cw = cacheFor()
	}

	tee := newTee(resp, cw, "image/webp")

	err := eng.Encode(attemptCtx, src, opt, tee)

	if err == nil && tee.bytes > 0 {
		if cw != nil && !tee.cacheFailed {
			if cerr := cw.Commit(); cerr != nil {
				log(ctx).Debugf("unable to publish rendition: %v", cerr)
			}
		} else if cw != nil {
			cw.Abort()
		}

		return Result{Engine: eng.Name(), ContentType: "image/webp", Bytes: tee.bytes}, nil
	}

	if cw != nil {
		cw.Abort()
	}

	if err == nil {
		err = errors.Errorf("%v produced no output", eng.Name())
	}

	return Result{Bytes: tee.bytes}, err
}

// passthrough streams the original bytes with a content type derived from
// the source extension.
func (t *Transcoder) passthrough(ctx context.Context, src Source, ext string, resp Sink) (Result, error) {
	f, err := os.Open(src.Path) //nolint:gosec
	if err != nil {
		return Result{}, errors.Wrap(err, "opening original")
	}
	defer f.Close() //nolint:errcheck

	log(ctx).Infof("all engines failed for %v, serving original bytes", src.Path)

	tee := newTee(resp, nil, ContentTypeForExt(ext))

	if _, err := io.Copy(tee, f); err != nil {
		if IsClientClosed(err) {
			return Result{}, ErrClientClosed
		}

		return Result{Bytes: tee.bytes}, errors.Wrap(err, "streaming original")
	}

	return Result{Engine: PassthroughEngine, ContentType: ContentTypeForExt(ext), Bytes: tee.bytes}, nil
}

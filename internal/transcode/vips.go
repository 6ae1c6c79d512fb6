package transcode

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// primaryHardTimeout bounds one in-process encode. The export runs on a
// dedicated goroutine since libvips work cannot be interrupted; on expiry the
// attempt is abandoned and the chain escalates.
const primaryHardTimeout = 5 * time.Second

// vipsWriteChunk is the size of response writes when flushing the encoded
// buffer, small enough to notice a disconnect quickly.
const vipsWriteChunk = 32 << 10

// VipsEngine encodes via libvips. Concurrency is bounded by a swappable
// semaphore so a MAX_CONCURRENCY change applies to new requests while
// in-flight holders keep their slot on the old gate.
type VipsEngine struct {
	limiter atomic.Pointer[semaphore.Weighted]
}

// VipsConfig carries the process-wide libvips limits, fixed at startup.
type VipsConfig struct {
	Concurrency   int
	MaxCacheMemMB int
}

// NewVipsEngine initializes libvips and returns the engine. Call once per
// process.
func NewVipsEngine(cfg VipsConfig) *VipsEngine {
	vips.LoggingSettings(nil, vips.LogLevelError)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMemMB << 20,
	})

	e := &VipsEngine{}
	e.SetConcurrency(cfg.Concurrency)

	return e
}

// SetConcurrency replaces the admission gate for future requests.
func (e *VipsEngine) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}

	e.limiter.Store(semaphore.NewWeighted(int64(n)))
}

// Shutdown releases libvips resources.
func (e *VipsEngine) Shutdown() {
	vips.Shutdown()
}

func (e *VipsEngine) Name() string { return "vips" }

func (e *VipsEngine) Supports(ext string) bool {
	return !IsHeicFamily(ext)
}

func (e *VipsEngine) HardTimeout() time.Duration { return primaryHardTimeout }

// Encode resizes and exports src as WebP. The encoded image is buffered
// before any byte reaches out, so a failure here never leaves a partial
// response behind.
func (e *VipsEngine) Encode(ctx context.Context, src Source, opt Options, out io.Writer) error {
	sem := e.limiter.Load()

	if err := sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "waiting for encoder slot")
	}
	defer sem.Release(1)

	type exportResult struct {
		buf []byte
		err error
	}

	result := make(chan exportResult, 1)

	go func() {
		buf, err := e.export(src, opt)
		result <- exportResult{buf, err}
	}()

	var buf []byte

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "encode abandoned")
	case r := <-result:
		if r.err != nil {
			return r.err
		}

		buf = r.buf
	}

	for len(buf) > 0 {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "encode abandoned")
		}

		chunk := buf
		if len(chunk) > vipsWriteChunk {
			chunk = chunk[:vipsWriteChunk]
		}

		n, err := out.Write(chunk)
		if err != nil {
			return err
		}

		buf = buf[n:]
	}

	return nil
}

func (e *VipsEngine) export(src Source, opt Options) ([]byte, error) {
	f, err := os.Open(src.Path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "opening source")
	}
	defer f.Close() //nolint:errcheck

	img, err := vips.NewImageFromReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "decoding source")
	}
	defer img.Close()

	if opt.Mode != ModeFast {
		if err := img.AutoRotate(); err != nil {
			return nil, errors.Wrap(err, "applying orientation")
		}
	}

	if scale := scaleFor(opt.Mode, img.Width(), img.Height(), opt.LongEdge); scale < 1 {
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, errors.Wrap(err, "resizing")
		}
	}

	params := vips.NewWebpExportParams()
	params.Quality = opt.Quality
	params.ReductionEffort = opt.ReductionEffort
	params.StripMetadata = true

	buf, _, err := img.ExportWebp(params)
	if err != nil {
		return nil, errors.Wrap(err, "encoding webp")
	}

	return buf, nil
}

package gateway

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/photodav/photodav/internal/config"
	"github.com/photodav/photodav/internal/fscache"
	"github.com/photodav/photodav/internal/rendition"
	"github.com/photodav/photodav/internal/requestq"
	"github.com/photodav/photodav/internal/stats"
	"github.com/photodav/photodav/internal/transcode"
)

// imageExtensions are routed through the rendition pipeline on GET.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tiff": true,
	".tif":  true,
	".bmp":  true,
	".avif": true,
	".heic": true,
	".heif": true,
}

// Quality clamp bounds for the ?q= override.
const (
	minQuality = 30
	maxQuality = 90
)

func isImageRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}

	return imageExtensions[strings.ToLower(filepath.Ext(r.URL.Path))]
}

// requestQuality returns the effective quality for the request.
func requestQuality(r *http.Request, snap *config.Snapshot) int {
	raw := r.URL.Query().Get("q")
	if raw == "" {
		return snap.DefaultQuality
	}

	q, err := strconv.Atoi(raw)
	if err != nil {
		return snap.DefaultQuality
	}

	if q < minQuality {
		q = minQuality
	}

	if q > maxQuality {
		q = maxQuality
	}

	return q
}

// serveImage admits the request into the scheduler and holds the connection
// until the item reaches a terminal state.
func (s *Server) serveImage(w http.ResponseWriter, r *http.Request, fullPath string) {
	ctx := r.Context()

	rw := newResponder(w)
	defer rw.finish()

	it := &requestq.Item{
		DisplayPath: r.URL.Path,
		FolderTag:   path.Dir(r.URL.Path),
		Run: func(runCtx context.Context) error {
			return s.processImage(runCtx, rw, r, fullPath)
		},
		Respond: rw.Respond,
	}

	s.queue.Enqueue(ctx, it)

	select {
	case <-it.Done():
	case <-ctx.Done():
		// client went away; the scheduler outcome no longer matters
	}
}

// processImage runs inside the scheduler worker: stat, cache hit, coalesce,
// transcode.
func (s *Server) processImage(ctx context.Context, rw *responder, r *http.Request, fullPath string) error {
	snap := s.cfg.Snapshot()

	st := s.fs.Stat(ctx, fullPath)
	if !st.Exists() || !st.IsFile {
		rw.Respond(http.StatusNotFound, "Not found")
		return nil
	}

	if !snap.ImageConversionEnabled {
		return s.streamOriginal(ctx, rw, fullPath, st)
	}

	quality := requestQuality(r, snap)
	key := rendition.Key(fullPath, snap.PhotoSize, quality, st.MtimeMs, st.Size)

	if s.serveCacheHit(ctx, rw, key, st) {
		return nil
	}

	for {
		lease, leader := s.tracker.Enter(key, r.URL.Path)

		if leader {
			err := s.buildRendition(ctx, rw, fullPath, key, quality, snap, st)
			s.tracker.Leave(lease)

			return err
		}

		if err := s.tracker.WaitRelease(ctx, lease); err != nil {
			if ctx.Err() != nil {
				return nil // client gone
			}

			// lease timed out; re-enter, possibly as the new leader
			continue
		}

		if s.serveCacheHit(ctx, rw, key, st) {
			return nil
		}

		// leader finished without publishing (ineligible source or cache
		// write failure); rebuild as leader
	}
}

// serveCacheHit streams a published rendition with full validators.
func (s *Server) serveCacheHit(ctx context.Context, rw *responder, key string, st fscache.StatRecord) bool {
	p, size, ok := s.renditions.Lookup(key)
	if !ok {
		return false
	}

	f, err := os.Open(p) //nolint:gosec
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck

	rw.StartWithHeaders("image/webp", size, map[string]string{
		"ETag":          rendition.ETag(size, st.MtimeMs),
		"Last-Modified": time.UnixMilli(st.MtimeMs).UTC().Format(http.TimeFormat),
	})

	n, err := io.Copy(rw, f)
	if err != nil {
		log(ctx).Debugf("cache hit stream interrupted after %v bytes: %v", n, err)
		return true
	}

	s.stats.Record(stats.CategoryImage, st.Size, size)

	return true
}

// buildRendition invokes the transcoder as the coalescing leader.
func (s *Server) buildRendition(ctx context.Context, rw *responder, fullPath, key string, quality int, snap *config.Snapshot, st fscache.StatRecord) error {
	mu := s.tracker.BuildMutex(key)
	mu.Lock()
	defer mu.Unlock()

	// a racing leader may have published while this request waited
	if s.serveCacheHit(ctx, rw, key, st) {
		return nil
	}

	src := transcode.Source{Path: fullPath, Size: st.Size, MtimeMs: st.MtimeMs}

	opt := transcode.Options{
		Quality:         quality,
		LongEdge:        snap.PhotoSize,
		Mode:            snap.ImageMode,
		Effort:          snap.WebpEffort,
		EffortFast:      snap.WebpEffortFast,
		ReductionEffort: snap.WebpReductionEffort,
		Preset:          snap.WebpPreset,
		PixelLimit:      snap.PixelLimit,
		MagickPath:      snap.MagickPath,
	}

	var cacheFor transcode.CacheFactory

	if s.renditions.Eligible(st.Size) {
		cacheFor = func() transcode.CacheWriter {
			w, err := s.renditions.NewWriter(key)
			if err != nil {
				log(ctx).Debugf("unable to open rendition partial: %v", err)
				return nil
			}

			return w
		}
	}

	res, err := s.transcoder.Render(ctx, src, opt, rw, cacheFor)

	switch {
	case err == nil:
		s.stats.Record(stats.CategoryImage, st.Size, res.Bytes)
		return nil

	case transcode.IsClientClosed(err):
		return nil

	case errors.Is(err, transcode.ErrPixelLimit):
		log(ctx).Errorf("pixel limit exceeded for %v", fullPath)
		rw.Respond(http.StatusUnsupportedMediaType, "Image too large to process")

		return nil

	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		rw.Respond(http.StatusUnsupportedMediaType, "Unsupported image")
		return nil

	default:
		rw.Respond(http.StatusInternalServerError, "Conversion failed")
		return err
	}
}

// streamOriginal serves the source bytes unmodified.
func (s *Server) streamOriginal(ctx context.Context, rw *responder, fullPath string, st fscache.StatRecord) error {
	f, err := os.Open(fullPath) //nolint:gosec
	if err != nil {
		rw.Respond(http.StatusNotFound, "Not found")
		return nil //nolint:nilerr
	}
	defer f.Close() //nolint:errcheck

	ct := transcode.ContentTypeForExt(strings.ToLower(filepath.Ext(fullPath)))

	rw.StartWithHeaders(ct, st.Size, map[string]string{
		"Last-Modified": time.UnixMilli(st.MtimeMs).UTC().Format(http.TimeFormat),
	})

	if _, err := io.Copy(rw, f); err != nil {
		log(ctx).Debugf("original stream interrupted: %v", err)
		return nil
	}

	s.stats.Record(stats.CategoryImage, st.Size, st.Size)

	return nil
}

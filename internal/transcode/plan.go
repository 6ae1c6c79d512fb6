package transcode

import (
	"image"
	"os"
	"strings"

	// decoders registered for the pixel-limit probe.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pkg/errors"
)

// probeable lists extensions whose dimensions can be read from the header
// without decoding pixels. HEIC-family files are excluded; the fallback
// engine applies its own resource limits to those.
var probeable = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// heicFamily holds formats the in-process engine cannot decode.
var heicFamily = map[string]bool{
	".heic": true,
	".heif": true,
}

// IsHeicFamily reports whether ext needs the external engine.
func IsHeicFamily(ext string) bool {
	return heicFamily[strings.ToLower(ext)]
}

// checkPixelLimit rejects sources whose header dimensions exceed the
// decompression guard. Unreadable or unprobeable headers pass; the engine
// will fail on them in a controlled way.
func checkPixelLimit(path, ext string, limit int64) error {
	if limit <= 0 || !probeable[ext] {
		return nil
	}

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil //nolint:nilerr
	}
	defer f.Close() //nolint:errcheck

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil //nolint:nilerr
	}

	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return errors.Wrapf(ErrPixelLimit, "%vx%v", cfg.Width, cfg.Height)
	}

	return nil
}

var extContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".avif": "image/avif",
	".heic": "image/heic",
	".heif": "image/heif",
}

// ContentTypeForExt maps a lowercase extension to its media type, defaulting
// to application/octet-stream.
func ContentTypeForExt(ext string) string {
	if ct, ok := extContentTypes[ext]; ok {
		return ct
	}

	return "application/octet-stream"
}

// scaleFor computes the shrink factor for the given source dimensions, or 1
// when no resize applies. Fast mode scales by width alone; the other modes
// bring the shorter axis down to the target edge. Images are never enlarged.
func scaleFor(mode, width, height, longEdge int) float64 {
	if longEdge <= 0 || width <= 0 || height <= 0 {
		return 1
	}

	ref := width

	if mode != ModeFast {
		ref = width
		if height < width {
			ref = height
		}
	}

	if ref <= longEdge {
		return 1
	}

	return float64(longEdge) / float64(ref)
}

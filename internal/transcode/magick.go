package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MagickEngine shells out to ImageMagick, streaming the converted WebP from
// the child's stdout. It covers formats the in-process engine cannot decode
// (HEIC family) and acts as the fallback when libvips fails.
type MagickEngine struct {
	path func() string
}

// NewMagickEngine creates the engine; path resolves the binary per request so
// a MAGICK_PATH change needs no restart.
func NewMagickEngine(path func() string) *MagickEngine {
	return &MagickEngine{path: path}
}

func (e *MagickEngine) Name() string { return "magick" }

func (e *MagickEngine) Supports(string) bool { return true }

func (e *MagickEngine) HardTimeout() time.Duration { return 0 }

func (e *MagickEngine) Encode(ctx context.Context, src Source, opt Options, out io.Writer) error {
	bin := e.path()
	if opt.MagickPath != "" {
		bin = opt.MagickPath
	}

	args := []string{src.Path}

	if opt.Mode != ModeFast {
		args = append(args, "-auto-orient")
	}

	if g := magickGeometry(opt.Mode, opt.LongEdge); g != "" {
		args = append(args, "-resize", g)
	}

	args = append(args,
		"-quality", fmt.Sprintf("%d", opt.Quality),
		"-define", fmt.Sprintf("webp:method=%d", opt.EffectiveEffort()),
		"-define", "webp:image-hint="+magickImageHint(opt.Preset),
		"webp:-")

	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %v", bin)
	}

	written, copyErr := io.Copy(out, stdout)

	if copyErr != nil && IsClientClosed(copyErr) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()

		return copyErr
	}

	waitErr := cmd.Wait()

	switch {
	case copyErr != nil:
		return errors.Wrap(copyErr, "streaming converter output")

	case waitErr != nil && written == 0:
		return errors.Wrapf(waitErr, "converter failed: %v", firstLine(stderr.String()))

	case waitErr != nil:
		// output already streamed; the exit status is informational only
		return errors.Wrapf(waitErr, "converter exited after %v bytes: %v", written, firstLine(stderr.String()))
	}

	return nil
}

// magickGeometry builds the shrink-only resize argument: width-based in fast
// mode, shorter-axis fill otherwise.
func magickGeometry(mode, longEdge int) string {
	if longEdge <= 0 {
		return ""
	}

	if mode == ModeFast {
		return fmt.Sprintf("%d>", longEdge)
	}

	return fmt.Sprintf("%dx%d^>", longEdge, longEdge)
}

// magickImageHint maps the configured WebP preset onto the hints the magick
// webp delegate understands. Line-art presets collapse to "graph".
func magickImageHint(preset string) string {
	switch preset {
	case "photo", "picture":
		return preset
	case "drawing", "icon", "text":
		return "graph"
	default:
		return "default"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)

	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}

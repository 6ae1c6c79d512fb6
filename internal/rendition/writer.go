package rendition

import (
	"os"

	"github.com/pkg/errors"
)

// Writer streams a rendition into a uniquely-named partial file. Commit
// atomically publishes the partial under the final key name; Abort discards
// it. A file visible under its final name is always complete.
type Writer struct {
	f         *os.File
	tmpPath   string
	finalPath string
	written   int64
	closed    bool
}

// NewWriter opens a partial file for the given key. Callers must check
// Eligible first; NewWriter on a disabled cache returns an error.
func (c *DiskCache) NewWriter(key string) (*Writer, error) {
	if !c.enabled {
		return nil, errors.New("rendition cache disabled")
	}

	final := c.Path(key)
	tmp := final + ".tmp-" + randomNonce()

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "creating partial rendition")
	}

	return &Writer{f: f, tmpPath: tmp, finalPath: final}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)

	return n, errors.Wrap(err, "writing partial rendition")
}

// Commit closes the partial file and renames it into place. Zero-byte
// partials are discarded instead of published.
func (w *Writer) Commit() error {
	if w.closed {
		return nil
	}

	w.closed = true

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return errors.Wrap(err, "closing partial rendition")
	}

	if w.written == 0 {
		return errors.Wrap(os.Remove(w.tmpPath), "removing empty partial")
	}

	return errors.Wrap(os.Rename(w.tmpPath, w.finalPath), "publishing rendition")
}

// Abort closes and removes the partial file. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.closed {
		return
	}

	w.closed = true

	_ = w.f.Close()
	_ = os.Remove(w.tmpPath)
}

package rendition

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/photodav/photodav/internal/clock"
	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("rendition")

// DefaultSweepFrequency is how often expired renditions are removed.
const DefaultSweepFrequency = 30 * time.Minute

// orphanTmpAge is how old a partial file must be before the sweeper treats
// it as abandoned. Normal builds remove their partials on every exit path.
const orphanTmpAge = 5 * time.Minute

const webpSuffix = ".webp"

// Options configures the disk cache. TTL and MinSourceSize are functions so
// the sweeper and eligibility checks follow settings reloads.
type Options struct {
	TTL            func() time.Duration
	MinSourceSize  func() int64
	SweepFrequency time.Duration
}

// DiskCache is the content-addressed rendition cache rooted at a single
// directory. A disabled cache is fully functional: renditions are simply
// never persisted.
type DiskCache struct {
	dir     string
	enabled bool
	opt     Options

	dirLock *flock.Flock

	sweepClosed  chan struct{}
	sweepRunning sync.WaitGroup
}

// Initialize picks the first usable directory out of (primary, fallback),
// claims it, and discards any previous contents. Renditions whose keys were
// derived under an older configuration are not trusted across restarts.
// Initialization never fails; if neither directory is usable the cache is
// disabled.
func Initialize(ctx context.Context, primary, fallback string, opt Options) *DiskCache {
	c := &DiskCache{
		opt:         opt,
		sweepClosed: make(chan struct{}),
	}

	if c.opt.SweepFrequency == 0 {
		c.opt.SweepFrequency = DefaultSweepFrequency
	}

	for _, dir := range []string{primary, fallback} {
		if dir == "" {
			continue
		}

		if err := c.claimDir(dir); err != nil {
			log(ctx).Warnf("rendition cache dir %v unusable: %v", dir, err)
			continue
		}

		c.dir = dir
		c.enabled = true

		break
	}

	if !c.enabled {
		log(ctx).Errorf("no usable rendition cache directory, caching disabled")
		return c
	}

	c.Reset(ctx)

	log(ctx).Infof("rendition cache at %v", c.dir)

	return c
}

// claimDir verifies the directory is writable and locks it against other
// gateway processes. Each process must own its cache directory exclusively.
func (c *DiskCache) claimDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}

	probe := filepath.Join(dir, ".probe-"+randomNonce())

	if err := os.WriteFile(probe, []byte{1}, 0o600); err != nil {
		return errors.Wrap(err, "probe write")
	}

	if err := os.Remove(probe); err != nil {
		return errors.Wrap(err, "probe remove")
	}

	l := flock.New(filepath.Join(dir, ".lock"))

	ok, err := l.TryLock()
	if err != nil {
		return errors.Wrap(err, "lock")
	}

	if !ok {
		return errors.New("cache directory is owned by another process")
	}

	c.dirLock = l

	return nil
}

// Enabled reports whether renditions are being persisted.
func (c *DiskCache) Enabled() bool {
	return c.enabled
}

// Directory returns the active cache directory ("" when disabled).
func (c *DiskCache) Directory() string {
	if !c.enabled {
		return ""
	}

	return c.dir
}

// Path returns the final on-disk location for the given key.
func (c *DiskCache) Path(key string) string {
	return filepath.Join(c.dir, key+webpSuffix)
}

// Lookup reports whether a completed rendition exists for the key, returning
// its path and size. Partials are invisible here; only renamed files match.
func (c *DiskCache) Lookup(key string) (path string, size int64, ok bool) {
	if !c.enabled {
		return "", 0, false
	}

	p := c.Path(key)

	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", 0, false
	}

	return p, fi.Size(), true
}

// Eligible reports whether a source of the given size is worth caching.
func (c *DiskCache) Eligible(sourceSize int64) bool {
	return c.enabled && sourceSize >= c.opt.MinSourceSize()
}

// Reset recursively deletes all cache contents, keeping the directory and
// its ownership lock.
func (c *DiskCache) Reset(ctx context.Context) {
	if !c.enabled {
		return
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log(ctx).Warnf("unable to list cache dir: %v", err)
		return
	}

	for _, e := range entries {
		if e.Name() == ".lock" {
			continue
		}

		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			log(ctx).Debugf("reset: unable to remove %v: %v", e.Name(), err)
		}
	}
}

// StartSweeper begins the periodic TTL sweep.
func (c *DiskCache) StartSweeper(ctx context.Context) {
	if !c.enabled {
		return
	}

	c.sweepRunning.Add(1)

	go func() {
		defer c.sweepRunning.Done()

		t := time.NewTicker(c.opt.SweepFrequency)
		defer t.Stop()

		for {
			select {
			case <-c.sweepClosed:
				return
			case <-t.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Close stops the sweeper and releases the directory lock.
func (c *DiskCache) Close(ctx context.Context) {
	close(c.sweepClosed)
	c.sweepRunning.Wait()

	if c.dirLock != nil {
		if err := c.dirLock.Unlock(); err != nil {
			log(ctx).Debugf("unlock cache dir: %v", err)
		}
	}
}

// Sweep removes renditions older than the TTL, abandoned partials and
// directories that become empty. All errors are swallowed at debug level.
func (c *DiskCache) Sweep(ctx context.Context) {
	if !c.enabled {
		return
	}

	ttl := c.opt.TTL()

	var emptyCandidates []string

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log(ctx).Debugf("sweep: %v: %v", path, err)
			return nil //nolint:nilerr
		}

		if d.IsDir() {
			if path != c.dir {
				emptyCandidates = append(emptyCandidates, path)
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}

		age := clock.Since(info.ModTime())

		switch {
		case strings.HasSuffix(path, webpSuffix) && age > ttl:
			c.removeQuietly(ctx, path)
		case strings.Contains(filepath.Base(path), ".tmp-") && age > orphanTmpAge:
			c.removeQuietly(ctx, path)
		}

		return nil
	})
	if err != nil {
		log(ctx).Debugf("sweep walk: %v", err)
	}

	// deepest first so nested empty directories collapse in one pass
	for i := len(emptyCandidates) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories, which is exactly the gate we want.
		if err := os.Remove(emptyCandidates[i]); err == nil {
			log(ctx).Debugf("sweep: removed empty dir %v", emptyCandidates[i])
		}
	}
}

func (c *DiskCache) removeQuietly(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil {
		log(ctx).Debugf("sweep: unable to remove %v: %v", path, err)
	} else {
		log(ctx).Debugf("sweep: removed %v", path)
	}
}

func randomNonce() string {
	var b [6]byte

	_, _ = rand.Read(b[:])

	return hex.EncodeToString(b[:])
}

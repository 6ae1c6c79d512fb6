// Package fscache implements TTL'd, LRU-bounded caches over directory
// listings and file stat results.
//
// The caches are read-mostly: entries are loaded on miss, age out after the
// TTL and are refreshed by reads. Writers outside this package must
// invalidate explicitly, which the serving workload never needs.
package fscache

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("fscache")

// Default capacities and TTL for the two caches.
const (
	DefaultDirCapacity  = 10000
	DefaultStatCapacity = 50000
	DefaultTTL          = 1 * time.Hour
)

// StatRecord is a cached result of a stat call. A missing path is
// represented by the zero value (negative stat) rather than an error.
type StatRecord struct {
	IsFile  bool  `json:"isFile"`
	IsDir   bool  `json:"isDirectory"`
	MtimeMs int64 `json:"mtimeMs"`
	Size    int64 `json:"size"`
}

// Exists reports whether the path resolved to a file or directory.
func (s StatRecord) Exists() bool {
	return s.IsFile || s.IsDir
}

// Filesystem is the injected OS access used on cache misses.
type Filesystem interface {
	Stat(path string) (os.FileInfo, error)
	ReadDirNames(path string, max int) ([]string, error)
}

// OSFilesystem implements Filesystem using the os package.
type OSFilesystem struct{}

// Stat implements Filesystem.
func (OSFilesystem) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// ReadDirNames implements Filesystem. max <= 0 reads the whole directory.
func (OSFilesystem) ReadDirNames(path string, max int) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	names, err := f.Readdirnames(max)
	if err != nil && len(names) == 0 {
		return nil, err
	}

	sort.Strings(names)

	return names, nil
}

// Options configures cache capacities and TTL.
type Options struct {
	DirCapacity  int
	StatCapacity int
	TTL          time.Duration
}

func (o Options) applyDefaults() Options {
	if o.DirCapacity == 0 {
		o.DirCapacity = DefaultDirCapacity
	}

	if o.StatCapacity == 0 {
		o.StatCapacity = DefaultStatCapacity
	}

	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}

	return o
}

// Cache holds the directory-listing and stat caches.
type Cache struct {
	fs    Filesystem
	dirs  *ttlcache.Cache
	stats *ttlcache.Cache
}

// New creates a Cache over the provided filesystem.
func New(fs Filesystem, opt Options) *Cache {
	opt = opt.applyDefaults()

	dirs := ttlcache.NewCache()
	_ = dirs.SetTTL(opt.TTL)
	dirs.SetCacheSizeLimit(opt.DirCapacity)

	stats := ttlcache.NewCache()
	_ = stats.SetTTL(opt.TTL)
	stats.SetCacheSizeLimit(opt.StatCapacity)

	return &Cache{fs: fs, dirs: dirs, stats: stats}
}

// Stat returns the cached stat record for the given path, loading it on
// miss. A path that does not exist yields a negative StatRecord.
func (c *Cache) Stat(ctx context.Context, path string) StatRecord {
	if v, err := c.stats.Get(path); err == nil {
		return v.(StatRecord) //nolint:forcetypeassert
	}

	rec := StatRecord{}

	fi, err := c.fs.Stat(path)

	switch {
	case err == nil:
		rec = StatRecord{
			IsFile:  fi.Mode().IsRegular(),
			IsDir:   fi.IsDir(),
			MtimeMs: fi.ModTime().UnixMilli(),
			Size:    fi.Size(),
		}
	case os.IsNotExist(err):
		// negative stat
	default:
		log(ctx).Debugf("stat %v: %v", path, err)
	}

	_ = c.stats.Set(path, rec)

	return rec
}

// ReadDir returns up to max entry names of the given directory. The cache
// holds the untruncated listing and max applies per call, so a raised
// listing limit takes effect without waiting out the TTL.
func (c *Cache) ReadDir(ctx context.Context, path string, max int) ([]string, error) {
	if v, err := c.dirs.Get(path); err == nil {
		return truncateNames(v.([]string), max), nil //nolint:forcetypeassert
	}

	names, err := c.fs.ReadDirNames(path, 0)
	if err != nil {
		return nil, err
	}

	_ = c.dirs.Set(path, names)

	return truncateNames(names, max), nil
}

func truncateNames(names []string, max int) []string {
	if max > 0 && len(names) > max {
		return names[:max]
	}

	return names
}

// Invalidate drops any cached state for the given path.
func (c *Cache) Invalidate(path string) {
	_ = c.stats.Remove(path)
	_ = c.dirs.Remove(path)
}

// Close releases cache resources.
func (c *Cache) Close() {
	_ = c.dirs.Close()
	_ = c.stats.Close()
}

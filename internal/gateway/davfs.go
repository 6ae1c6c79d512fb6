package gateway

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/net/webdav"

	"github.com/photodav/photodav/internal/fscache"
)

// davFS serves the library root over WebDAV, answering stat and directory
// reads from the shared filesystem cache. Mutating methods fall through to
// raw I/O and invalidate the affected cache entries.
type davFS struct {
	root    string
	cache   *fscache.Cache
	maxList func() int
	raw     webdav.Dir
}

func newDavFS(root string, cache *fscache.Cache, maxList func() int) *davFS {
	return &davFS{
		root:    root,
		cache:   cache,
		maxList: maxList,
		raw:     webdav.Dir(root),
	}
}

func (f *davFS) abs(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+name)))
}

func (f *davFS) invalidate(name string) {
	p := f.abs(name)
	f.cache.Invalidate(p)
	f.cache.Invalidate(filepath.Dir(p))
}

func (f *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	f.invalidate(name)
	return f.raw.Mkdir(ctx, name, perm)
}

func (f *davFS) RemoveAll(ctx context.Context, name string) error {
	f.invalidate(name)
	return f.raw.RemoveAll(ctx, name)
}

func (f *davFS) Rename(ctx context.Context, oldName, newName string) error {
	f.invalidate(oldName)
	f.invalidate(newName)

	return f.raw.Rename(ctx, oldName, newName)
}

func (f *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p := f.abs(name)

	rec := f.cache.Stat(ctx, p)
	if !rec.Exists() {
		return nil, os.ErrNotExist
	}

	return statInfo{name: path.Base("/" + name), rec: rec}, nil
}

func (f *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		f.invalidate(name)
		return f.raw.OpenFile(ctx, name, flag, perm)
	}

	p := f.abs(name)

	rec := f.cache.Stat(ctx, p)
	if !rec.Exists() {
		return nil, os.ErrNotExist
	}

	if rec.IsDir {
		return &cachedDir{ctx: ctx, fs: f, path: p, name: path.Base("/" + name), rec: rec}, nil
	}

	file, err := os.Open(p) //nolint:gosec
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return file, nil
}

// statInfo adapts a cached stat record to os.FileInfo.
type statInfo struct {
	name string
	rec  fscache.StatRecord
}

func (s statInfo) Name() string { return s.name }

func (s statInfo) Size() int64 { return s.rec.Size }

func (s statInfo) Mode() fs.FileMode {
	if s.rec.IsDir {
		return fs.ModeDir | 0o755
	}

	return 0o644
}

func (s statInfo) ModTime() time.Time { return time.UnixMilli(s.rec.MtimeMs) }

func (s statInfo) IsDir() bool { return s.rec.IsDir }

func (s statInfo) Sys() interface{} { return nil }

// cachedDir is a read-only directory handle whose listing comes from the
// filesystem cache, truncated to MAX_LIST.
type cachedDir struct {
	ctx  context.Context //nolint:containedctx
	fs   *davFS
	path string
	name string
	rec  fscache.StatRecord

	names  []string
	loaded bool
	cursor int
}

func (d *cachedDir) Close() error { return nil }

func (d *cachedDir) Read([]byte) (int, error) { return 0, os.ErrInvalid }

func (d *cachedDir) Write([]byte) (int, error) { return 0, os.ErrPermission }

func (d *cachedDir) Seek(int64, int) (int64, error) { return 0, nil }

func (d *cachedDir) Stat() (os.FileInfo, error) {
	return statInfo{name: d.name, rec: d.rec}, nil
}

func (d *cachedDir) Readdir(count int) ([]os.FileInfo, error) {
	if !d.loaded {
		names, err := d.fs.cache.ReadDir(d.ctx, d.path, d.fs.maxList())
		if err != nil {
			return nil, err //nolint:wrapcheck
		}

		d.names = names
		d.loaded = true
	}

	remaining := len(d.names) - d.cursor
	if remaining == 0 {
		if count > 0 {
			return nil, io.EOF
		}

		return nil, nil
	}

	n := remaining
	if count > 0 && count < n {
		n = count
	}

	var infos []os.FileInfo

	for _, name := range d.names[d.cursor : d.cursor+n] {
		rec := d.fs.cache.Stat(d.ctx, filepath.Join(d.path, name))
		if !rec.Exists() {
			continue
		}

		infos = append(infos, statInfo{name: name, rec: rec})
	}

	d.cursor += n

	return infos, nil
}

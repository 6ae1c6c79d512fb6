package transcode

import (
	"io"

	"github.com/pkg/errors"
)

// tee fans encoded bytes out to the response sink and, when present, the
// cache partial. Response headers are emitted lazily on the first byte, so a
// failed attempt that produced nothing leaves the response untouched. A cache
// write failure only drops the cache leg; a response write failure means the
// client is gone and aborts the stream.
type tee struct {
	resp        Sink
	cache       io.Writer
	contentType string

	started     bool
	bytes       int64
	cacheFailed bool
}

func newTee(resp Sink, cache CacheWriter, contentType string) *tee {
	t := &tee{resp: resp, contentType: contentType}

	// avoid a typed-nil io.Writer
	if cache != nil {
		t.cache = cache
	}

	return t
}

func (t *tee) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if !t.started {
		t.started = true

		t.resp.StartResponse(t.contentType)
	}

	n, err := t.resp.Write(p)
	t.bytes += int64(n)

	if err != nil {
		return n, errors.Wrap(ErrClientClosed, err.Error())
	}

	if t.cache != nil && !t.cacheFailed {
		if _, cerr := t.cache.Write(p[:n]); cerr != nil {
			t.cacheFailed = true
		}
	}

	return n, nil
}

package transcode_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/testlogging"
	"github.com/photodav/photodav/internal/transcode"
)

type stubEngine struct {
	name    string
	refuses map[string]bool
	encode  func(ctx context.Context, src transcode.Source, opt transcode.Options, out io.Writer) error
}

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) Supports(ext string) bool { return !s.refuses[ext] }

func (s *stubEngine) HardTimeout() time.Duration { return 0 }

func (s *stubEngine) Encode(ctx context.Context, src transcode.Source, opt transcode.Options, out io.Writer) error {
	return s.encode(ctx, src, opt, out)
}

type memSink struct {
	contentType string
	started     int
	buf         bytes.Buffer

	failWrites bool
}

func (m *memSink) StartResponse(ct string) {
	m.started++
	m.contentType = ct
}

func (m *memSink) Write(p []byte) (int, error) {
	if m.failWrites {
		return 0, errors.New("broken pipe")
	}

	return m.buf.Write(p)
}

type memCache struct {
	buf       bytes.Buffer
	committed bool
	aborted   bool
}

func (m *memCache) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *memCache) Commit() error {
	m.committed = true
	return nil
}

func (m *memCache) Abort() { m.aborted = true }

func writeSource(t *testing.T, name string, data []byte) transcode.Source {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))

	return transcode.Source{Path: p, Size: int64(len(data))}
}

func okEngine(name string, payload []byte) *stubEngine {
	return &stubEngine{
		name: name,
		encode: func(_ context.Context, _ transcode.Source, _ transcode.Options, out io.Writer) error {
			_, err := out.Write(payload)
			return err
		},
	}
}

func failingEngine(name string) *stubEngine {
	return &stubEngine{
		name: name,
		encode: func(context.Context, transcode.Source, transcode.Options, io.Writer) error {
			return errors.New(name + " exploded")
		},
	}
}

func TestPrimarySuccessCommitsCache(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.jpg", []byte("not really a jpeg"))

	sink := &memSink{}
	cache := &memCache{}

	tr := transcode.New(okEngine("primary", []byte("WEBPDATA")))

	res, err := tr.Render(ctx, src, transcode.Options{Quality: 80}, sink, func() transcode.CacheWriter { return cache })
	require.NoError(t, err)

	require.Equal(t, "primary", res.Engine)
	require.Equal(t, "image/webp", res.ContentType)
	require.EqualValues(t, 8, res.Bytes)
	require.Equal(t, 1, sink.started)
	require.Equal(t, "image/webp", sink.contentType)
	require.Equal(t, "WEBPDATA", sink.buf.String())
	require.True(t, cache.committed)
	require.Equal(t, "WEBPDATA", cache.buf.String())
}

func TestUnsupportedExtensionSkipsToFallback(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.heic", []byte("heic bytes"))

	primary := okEngine("primary", []byte("FROM-PRIMARY"))
	primary.refuses = map[string]bool{".heic": true}

	sink := &memSink{}

	tr := transcode.New(primary, okEngine("fallback", []byte("FROM-FALLBACK")))

	res, err := tr.Render(ctx, src, transcode.Options{}, sink, nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Engine)
	require.Equal(t, "FROM-FALLBACK", sink.buf.String())
}

func TestFailedPrimaryEscalatesAndCacheRestartsClean(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.jpg", []byte("x"))

	sink := &memSink{}

	var partials []*memCache

	factory := func() transcode.CacheWriter {
		c := &memCache{}
		partials = append(partials, c)

		return c
	}

	tr := transcode.New(failingEngine("primary"), okEngine("fallback", []byte("OK")))

	res, err := tr.Render(ctx, src, transcode.Options{}, sink, factory)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Engine)
	require.Equal(t, "OK", sink.buf.String())

	require.Len(t, partials, 2)
	require.True(t, partials[0].aborted)
	require.False(t, partials[0].committed)
	require.True(t, partials[1].committed)
	require.Equal(t, "OK", partials[1].buf.String())
}

func TestZeroOutputCountsAsFailure(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.jpg", []byte("x"))

	empty := &stubEngine{
		name:   "empty",
		encode: func(context.Context, transcode.Source, transcode.Options, io.Writer) error { return nil },
	}

	sink := &memSink{}

	tr := transcode.New(empty, okEngine("fallback", []byte("OK")))

	res, err := tr.Render(ctx, src, transcode.Options{}, sink, nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Engine)
}

func TestAllEnginesFailServesOriginal(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "photo.png", []byte("original-bytes"))

	sink := &memSink{}

	tr := transcode.New(failingEngine("primary"), failingEngine("fallback"))

	res, err := tr.Render(ctx, src, transcode.Options{}, sink, nil)
	require.NoError(t, err)
	require.Equal(t, transcode.PassthroughEngine, res.Engine)
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, "original-bytes", sink.buf.String())
	require.Equal(t, "image/png", sink.contentType)
}

func TestClientDisconnectAbortsChain(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.jpg", []byte("x"))

	sink := &memSink{failWrites: true}
	cache := &memCache{}

	fallbackRan := false
	fallback := &stubEngine{
		name: "fallback",
		encode: func(context.Context, transcode.Source, transcode.Options, io.Writer) error {
			fallbackRan = true
			return nil
		},
	}

	tr := transcode.New(okEngine("primary", []byte("DATA")), fallback)

	_, err := tr.Render(ctx, src, transcode.Options{}, sink, func() transcode.CacheWriter { return cache })
	require.ErrorIs(t, err, transcode.ErrClientClosed)
	require.False(t, fallbackRan)
	require.True(t, cache.aborted)
	require.False(t, cache.committed)
}

func TestMidStreamFailureDoesNotFallBack(t *testing.T) {
	ctx := testlogging.Context(t)
	src := writeSource(t, "a.jpg", []byte("x"))

	midway := &stubEngine{
		name: "midway",
		encode: func(_ context.Context, _ transcode.Source, _ transcode.Options, out io.Writer) error {
			_, _ = out.Write([]byte("PART"))
			return errors.New("disk on fire")
		},
	}

	fallbackRan := false
	fallback := &stubEngine{
		name: "fallback",
		encode: func(context.Context, transcode.Source, transcode.Options, io.Writer) error {
			fallbackRan = true
			return nil
		},
	}

	sink := &memSink{}

	tr := transcode.New(midway, fallback)

	_, err := tr.Render(ctx, src, transcode.Options{}, sink, nil)
	require.Error(t, err)
	require.False(t, transcode.IsClientClosed(err))
	require.False(t, fallbackRan)
}

func TestPixelLimitRejectsBeforeAnyEngine(t *testing.T) {
	ctx := testlogging.Context(t)

	var buf bytes.Buffer

	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 20, 20))))
	src := writeSource(t, "big.png", buf.Bytes())

	ran := false
	eng := &stubEngine{
		name: "primary",
		encode: func(context.Context, transcode.Source, transcode.Options, io.Writer) error {
			ran = true
			return nil
		},
	}

	sink := &memSink{}

	_, err := transcode.New(eng).Render(ctx, src, transcode.Options{PixelLimit: 100}, sink, nil)
	require.ErrorIs(t, err, transcode.ErrPixelLimit)
	require.False(t, ran)
	require.Zero(t, sink.started)
}

func TestContentTypeForExt(t *testing.T) {
	require.Equal(t, "image/jpeg", transcode.ContentTypeForExt(".jpg"))
	require.Equal(t, "image/heic", transcode.ContentTypeForExt(".heic"))
	require.Equal(t, "application/octet-stream", transcode.ContentTypeForExt(".xyz"))
}

func TestIsHeicFamily(t *testing.T) {
	require.True(t, transcode.IsHeicFamily(".heic"))
	require.True(t, transcode.IsHeicFamily(".HEIF"))
	require.False(t, transcode.IsHeicFamily(".avif"))
	require.False(t, transcode.IsHeicFamily(".jpg"))
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/config"
	"github.com/photodav/photodav/internal/testlogging"
)

func writeSettings(t *testing.T, dir, content string) string {
	t.Helper()

	p := filepath.Join(dir, "settings.conf")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestLoadDefaults(t *testing.T) {
	ctx := testlogging.Context(t)

	r, err := config.Load(ctx, filepath.Join(t.TempDir(), "missing.conf"))
	require.NoError(t, err)

	s := r.Snapshot()
	require.Equal(t, 80, s.DefaultQuality)
	require.Equal(t, 1280, s.PhotoSize)
	require.Equal(t, 100, s.StackMaxSize)
	require.Equal(t, []string{"1900"}, s.Ports)
	require.True(t, s.CompressionEnabled)
	require.Equal(t, 0.3, s.CompressionThreshold)
}

func TestLoadParsesAndValidates(t *testing.T) {
	ctx := testlogging.Context(t)

	p := writeSettings(t, t.TempDir(), `
# photo gateway settings
DEFAULT_QUALITY=65
PHOTO_SIZE = 2048
MAX_CONCURRENCY=64
COMPRESSION_THRESHOLD=0.5
RESTART_TIME=25:00
IMAGE_MODE=3
PORT=1900,1901, 1902
UNKNOWN_KEY=whatever
`)

	r, err := config.Load(ctx, p)
	require.NoError(t, err)

	s := r.Snapshot()
	require.Equal(t, 65, s.DefaultQuality)
	require.Equal(t, 2048, s.PhotoSize)

	// out of range falls back to default
	require.Equal(t, 4, s.MaxConcurrency)

	require.Equal(t, 0.5, s.CompressionThreshold)

	// invalid HH:MM falls back
	require.Equal(t, "04:00", s.RestartTime)

	require.Equal(t, 3, s.ImageMode)
	require.Equal(t, []string{"1900", "1901", "1902"}, s.Ports)
}

func TestEmergencyRateLimitOverride(t *testing.T) {
	ctx := testlogging.Context(t)

	p := writeSettings(t, t.TempDir(), "RATE_LIMIT_ENABLED=true\nEMERGENCY_DISABLE_RATE_LIMIT=true\n")

	r, err := config.Load(ctx, p)
	require.NoError(t, err)
	require.False(t, r.Snapshot().RateLimitActive())
}

func TestReloadNotifiesOnChange(t *testing.T) {
	ctx := testlogging.Context(t)
	dir := t.TempDir()

	p := writeSettings(t, dir, "PHOTO_SIZE=1000\n")

	r, err := config.Load(ctx, p)
	require.NoError(t, err)

	changes := 0

	r.OnChange(func(_ context.Context, old, new *config.Snapshot) {
		changes++
		require.Equal(t, 1000, old.PhotoSize)
		require.Equal(t, 1500, new.PhotoSize)
	})

	// no change - no callback
	require.NoError(t, r.Reload(ctx))
	require.Equal(t, 0, changes)

	require.NoError(t, os.WriteFile(p, []byte("PHOTO_SIZE=1500\n"), 0o600))
	require.NoError(t, r.Reload(ctx))
	require.Equal(t, 1, changes)
}

func TestSaveRawRoundTrip(t *testing.T) {
	ctx := testlogging.Context(t)

	p := writeSettings(t, t.TempDir(), "PHOTO_SIZE=1000\n")

	r, err := config.Load(ctx, p)
	require.NoError(t, err)

	require.NoError(t, r.SaveRaw(ctx, "PHOTO_SIZE=2000\n"))
	require.Equal(t, "PHOTO_SIZE=2000\n", r.RawText())
	require.Equal(t, 2000, r.Snapshot().PhotoSize)
}

func TestPollingPicksUpEdits(t *testing.T) {
	ctx := testlogging.Context(t)

	p := writeSettings(t, t.TempDir(), "PHOTO_SIZE=1000\n")

	r, err := config.Load(ctx, p)
	require.NoError(t, err)

	r.StartPolling(ctx, 10*time.Millisecond)
	defer r.StopPolling()

	require.NoError(t, os.WriteFile(p, []byte("PHOTO_SIZE=3000\n"), 0o600))

	require.Eventually(t, func() bool {
		return r.Snapshot().PhotoSize == 3000
	}, 2*time.Second, 10*time.Millisecond)
}

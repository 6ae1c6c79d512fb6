package stats_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/stats"
	"github.com/photodav/photodav/internal/testlogging"
)

func TestRecordAccumulates(t *testing.T) {
	ctx := testlogging.Context(t)
	path := filepath.Join(t.TempDir(), "logs", "stats.json")

	c := stats.NewCollector(ctx, path, time.Hour)
	defer c.Close() //nolint:errcheck

	c.Record(stats.CategoryImage, 1000, 250)
	c.Record(stats.CategoryImage, 1000, 250)
	c.Record(stats.CategoryText, 500, 400)

	s := c.Snapshot()

	require.EqualValues(t, 3, s.Totals.Requests)
	require.EqualValues(t, 2500, s.Totals.OriginalBytes)
	require.EqualValues(t, 900, s.Totals.OptimizedBytes)
	require.EqualValues(t, 1600, s.Totals.SavedBytes)
	require.InDelta(t, 0.64, s.Totals.ReductionRatio, 0.0001)

	img := s.Categories[stats.CategoryImage]
	require.EqualValues(t, 2, img.Requests)
	require.EqualValues(t, 1500, img.SavedBytes)
	require.InDelta(t, 0.75, img.ReductionRatio, 0.0001)

	txt := s.Categories[stats.CategoryText]
	require.EqualValues(t, 1, txt.Requests)
	require.InDelta(t, 0.2, txt.ReductionRatio, 0.0001)
}

func TestDebouncedFlushWritesFile(t *testing.T) {
	ctx := testlogging.Context(t)
	path := filepath.Join(t.TempDir(), "stats.json")

	c := stats.NewCollector(ctx, path, 20*time.Millisecond)
	defer c.Close() //nolint:errcheck

	c.Record(stats.CategoryImage, 100, 10)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var s stats.Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	require.EqualValues(t, 1, s.Totals.Requests)
}

func TestCountersSurviveRestart(t *testing.T) {
	ctx := testlogging.Context(t)
	path := filepath.Join(t.TempDir(), "stats.json")

	c1 := stats.NewCollector(ctx, path, time.Hour)
	c1.Record(stats.CategoryImage, 100, 10)
	require.NoError(t, c1.Close())

	c2 := stats.NewCollector(ctx, path, time.Hour)
	defer c2.Close() //nolint:errcheck

	c2.Record(stats.CategoryImage, 100, 10)

	s := c2.Snapshot()
	require.EqualValues(t, 2, s.Totals.Requests)
	require.EqualValues(t, 200, s.Totals.OriginalBytes)
}

func TestFlushWithoutChangesIsNoop(t *testing.T) {
	ctx := testlogging.Context(t)
	path := filepath.Join(t.TempDir(), "stats.json")

	c := stats.NewCollector(ctx, path, time.Hour)
	require.NoError(t, c.Flush())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

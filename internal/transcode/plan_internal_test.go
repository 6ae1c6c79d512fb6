package transcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScaleFor(t *testing.T) {
	cases := []struct {
		mode, w, h, edge int
		want             float64
	}{
		{ModeFast, 2560, 100, 1280, 0.5},
		{ModeFast, 1280, 5000, 1280, 1},
		{ModeBalanced, 4000, 2560, 1280, 0.5},
		{ModeBalanced, 2560, 4000, 1280, 0.5},
		{ModeBalanced, 1000, 800, 1280, 1},
		{ModeHighCompression, 4000, 2560, 1280, 0.5},
		{ModeBalanced, 4000, 2560, 0, 1},
		{ModeBalanced, 0, 0, 1280, 1},
	}

	for _, tc := range cases {
		require.InDelta(t, tc.want, scaleFor(tc.mode, tc.w, tc.h, tc.edge), 0.0001,
			"mode=%v w=%v h=%v edge=%v", tc.mode, tc.w, tc.h, tc.edge)
	}
}

func TestMagickGeometry(t *testing.T) {
	require.Equal(t, "1280>", magickGeometry(ModeFast, 1280))
	require.Equal(t, "1280x1280^>", magickGeometry(ModeBalanced, 1280))
	require.Equal(t, "800x800^>", magickGeometry(ModeHighCompression, 800))
	require.Empty(t, magickGeometry(ModeBalanced, 0))
}

package transcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMagickImageHint(t *testing.T) {
	cases := map[string]string{
		"photo":   "photo",
		"picture": "picture",
		"drawing": "graph",
		"icon":    "graph",
		"text":    "graph",
		"default": "default",
		"":        "default",
		"bogus":   "default",
	}

	for preset, want := range cases {
		require.Equal(t, want, magickImageHint(preset), preset)
	}
}

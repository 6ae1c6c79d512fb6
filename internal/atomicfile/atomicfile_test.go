package atomicfile_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/atomicfile"
)

func TestWriteCreatesAndReplaces(t *testing.T) {
	p := filepath.Join(t.TempDir(), "stats.json")

	require.NoError(t, atomicfile.Write(p, strings.NewReader("first")))

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	require.NoError(t, atomicfile.Write(p, strings.NewReader("second")))

	got, err = os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

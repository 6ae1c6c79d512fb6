// Package atomicfile publishes whole files via write-to-temp-then-rename, so
// a reader of the config or stats file never observes a half-written state.
package atomicfile

import (
	"io"
	"runtime"

	"github.com/natefinch/atomic"
)

// Windows rejects paths of 260 characters or more unless they carry the
// extended-length prefix.
const windowsMaxPath = 260

// Write atomically replaces the file at path with the contents of r.
func Write(path string, r io.Reader) error {
	return atomic.WriteFile(extendedLengthPath(path), r)
}

func extendedLengthPath(path string) string {
	if runtime.GOOS == "windows" && len(path) >= windowsMaxPath {
		return `\\?\` + path
	}

	return path
}

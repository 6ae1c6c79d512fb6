// Package rendition implements the content-addressed on-disk WebP cache and
// the fingerprint identifying each rendition.
package rendition

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// OriginalSize is the long-edge sentinel meaning "serve at original size".
const OriginalSize = 0

// Key derives the stable fingerprint of a rendition from the source identity
// and the transform parameters. Any change of source bytes visible through
// mtime or size produces a different key.
func Key(absPath string, longEdge, quality int, mtimeMs, size int64) string {
	edge := "original"
	if longEdge != OriginalSize {
		edge = fmt.Sprintf("%d", longEdge)
	}

	sum := blake3.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%d", absPath, edge, quality, mtimeMs, size)))

	return hex.EncodeToString(sum[:])
}

// ETag formats the ETag served for a cached rendition file.
func ETag(size, mtimeMs int64) string {
	return fmt.Sprintf(`"%d-%d"`, size, mtimeMs)
}

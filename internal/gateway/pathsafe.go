package gateway

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// SafeResolve maps a request path onto an absolute filesystem path inside
// root. urlPath is the already percent-decoded r.URL.Path, so a literal '%'
// in a filename passes through untouched. The joined result is cleaned and
// any path that escapes the root is rejected. Comparison is
// case-insensitive on Windows, where the filesystem is.
func SafeResolve(root, urlPath string) (string, error) {
	if strings.ContainsRune(urlPath, 0) {
		return "", errors.New("invalid character in path")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolving root")
	}

	full := filepath.Join(absRoot, filepath.FromSlash(urlPath))

	if !pathWithin(absRoot, full) {
		return "", errors.Errorf("path escapes root: %v", urlPath)
	}

	return full, nil
}

func pathWithin(root, candidate string) bool {
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		candidate = strings.ToLower(candidate)
	}

	if candidate == root {
		return true
	}

	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}

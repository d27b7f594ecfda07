// Package paths converts between file-system paths and the URL paths a
// browser uses to request them from the dev server.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ToBrowserPath returns filePath relative to rootDir with forward slashes.
// A filePath that is not rooted at the working directory is treated as
// relative to it. Inputs that cannot be related to rootDir produce a
// best-effort path rather than an error.
func ToBrowserPath(rootDir, filePath string) string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = string(filepath.Separator)
	}
	full := filePath
	if !strings.HasPrefix(filePath, cwd) {
		full = filepath.Join(cwd, filePath)
	}
	rel, err := filepath.Rel(rootDir, full)
	if err != nil {
		rel = full
	}
	return filepath.ToSlash(rel)
}

// FromBrowserPath maps a request path back onto rootDir. Query strings and
// fragments are ignored.
func FromBrowserPath(rootDir, browserPath string) string {
	if i := strings.IndexAny(browserPath, "?#"); i >= 0 {
		browserPath = browserPath[:i]
	}
	browserPath = strings.TrimPrefix(browserPath, "/")
	return filepath.Join(rootDir, filepath.FromSlash(browserPath))
}

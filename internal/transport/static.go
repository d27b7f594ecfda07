package transport

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/webtestrunner/devserver/internal/paths"
)

// StaticPlugin serves regular files below a root directory. Requests that
// resolve outside the root, to directories or to missing files are left to
// the next plugin.
type StaticPlugin struct {
	RootDir string
}

func (p StaticPlugin) Serve(r *http.Request) (*Content, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return nil, false
	}
	file, ok := p.resolve(r.URL.Path)
	if !ok {
		return nil, false
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		return nil, false
	}
	body, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false
		}
		return &Content{Status: http.StatusInternalServerError, ContentType: "text/plain; charset=utf-8", Body: []byte(err.Error())}, true
	}
	return &Content{ContentType: contentType(file), Body: body}, true
}

func (p StaticPlugin) resolve(urlPath string) (string, bool) {
	file := paths.FromBrowserPath(p.RootDir, urlPath)
	rel, err := filepath.Rel(p.RootDir, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return file, true
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".js", ".mjs", ".cjs":
		return "application/javascript; charset=utf-8"
	case ".ts":
		return "application/javascript; charset=utf-8"
	}
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

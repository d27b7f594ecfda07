// Package depgraph learns which files each session depends on by watching
// the requests its browser makes.
package depgraph

import (
	"net/http"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/paths"
	"github.com/webtestrunner/devserver/internal/transport"
)

// SessionParam is the query parameter a browser appends to asset requests.
// transport.SessionHeader is accepted as an alternative.
const SessionParam = "wtr-session-id"

// FileWatcher is the part of the file watcher the tracker feeds.
type FileWatcher interface {
	Add(path string) error
}

// Notifier receives what the tracker observes. Known gates dependency
// edges: requests tagged with an unregistered id are never recorded.
type Notifier interface {
	Known(sessionID string) bool
	Request404(sessionID, url string) error
	FileChanged(path string, sessionIDs []string)
}

// Tracker is a transport middleware that builds the file to session graph.
// Successful asset requests tagged with a session id add an edge and put the
// file under watch; tagged 404s are reported to the notifier.
type Tracker struct {
	rootDir  string
	watcher  FileWatcher
	notifier Notifier
	logger   *zap.Logger

	mu   sync.RWMutex
	deps map[string]map[string]struct{}
}

func New(rootDir string, watcher FileWatcher, notifier Notifier, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		rootDir:  rootDir,
		watcher:  watcher,
		notifier: notifier,
		logger:   logger,
		deps:     make(map[string]map[string]struct{}),
	}
}

// SessionID extracts the session id a request was tagged with, if any.
func SessionID(r *http.Request) string {
	if id := r.URL.Query().Get(SessionParam); id != "" {
		return id
	}
	return r.Header.Get(transport.SessionHeader)
}

func (t *Tracker) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := SessionID(r)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		switch status := ww.Status(); {
		case status == http.StatusNotFound:
			if err := t.notifier.Request404(sessionID, r.URL.Path); err != nil {
				t.logger.Warn("record 404", zap.String("session", sessionID), zap.String("url", r.URL.Path), zap.Error(err))
			}
		case status == 0 || status == http.StatusNotModified || (status >= 200 && status < 300):
			if !t.notifier.Known(sessionID) {
				t.logger.Warn("ignoring request from unknown session",
					zap.String("session", sessionID), zap.String("url", r.URL.Path))
				return
			}
			t.Track(sessionID, paths.FromBrowserPath(t.rootDir, r.URL.Path))
		}
	})
}

// RegisterTestFile makes a session depend on its own test file so that
// editing the test always reruns it.
func (t *Tracker) RegisterTestFile(sessionID, testFile string) {
	if !filepath.IsAbs(testFile) {
		testFile = filepath.Join(t.rootDir, testFile)
	}
	t.Track(sessionID, testFile)
}

// Track records that sessionID depends on file and watches the file.
func (t *Tracker) Track(sessionID, file string) {
	file = filepath.Clean(file)

	t.mu.Lock()
	ids, ok := t.deps[file]
	if !ok {
		ids = make(map[string]struct{})
		t.deps[file] = ids
	}
	_, seen := ids[sessionID]
	ids[sessionID] = struct{}{}
	t.mu.Unlock()

	if seen || t.watcher == nil {
		return
	}
	if err := t.watcher.Add(file); err != nil {
		t.logger.Debug("file not watchable", zap.String("path", file), zap.Error(err))
	}
}

// Dependents returns the ids of the sessions that depend on path, sorted.
func (t *Tracker) Dependents(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.deps[filepath.Clean(path)]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Changed forwards a file change to the notifier with the sessions that
// depend on the file. It is the watcher's change callback.
func (t *Tracker) Changed(path string) {
	t.notifier.FileChanged(path, t.Dependents(path))
}

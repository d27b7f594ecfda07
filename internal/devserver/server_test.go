package devserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/webtestrunner/devserver/internal/client"
	"github.com/webtestrunner/devserver/internal/config"
	"github.com/webtestrunner/devserver/internal/paths"
	"github.com/webtestrunner/devserver/internal/session"
	"github.com/webtestrunner/devserver/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type project struct {
	root     string
	testFile string
	dep      string
}

func newProject(t *testing.T) project {
	t.Helper()
	root := t.TempDir()
	p := project{
		root:     root,
		testFile: filepath.Join(root, "test", "a.test.js"),
		dep:      filepath.Join(root, "src", "dep.js"),
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(p.testFile), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(p.dep), 0o755))
	require.NoError(t, os.WriteFile(p.testFile, []byte("import '../src/dep.js';"), 0o644))
	require.NoError(t, os.WriteFile(p.dep, []byte("export const x = 1;"), 0o644))
	return p
}

func testConfig(root string) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RootDir = root
	cfg.Watch.Debounce = 10 * time.Millisecond
	cfg.Events.SnapshotInterval = 0
	cfg.Events.BroadcastThrottle = 10 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, deps Deps) (*Server, string) {
	t.Helper()
	srv := New(cfg, deps)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return srv, "http://" + srv.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestLifecycle(t *testing.T) {
	srv := New(testConfig(t.TempDir()), Deps{})
	assert.NoError(t, srv.Stop(context.Background()), "stop before start is a no-op")
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Start(context.Background()))
	require.NotNil(t, srv.Addr())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
	assert.Nil(t, srv.Addr())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	first, _ := startServer(t, testConfig(t.TempDir()), Deps{})
	_, port, err := net.SplitHostPort(first.Addr().String())
	require.NoError(t, err)

	cfg := testConfig(t.TempDir())
	p, err := net.LookupPort("tcp", port)
	require.NoError(t, err)
	cfg.Server.Port = p

	second := New(cfg, Deps{})
	assert.Error(t, second.Start(context.Background()))
	assert.Nil(t, second.Addr())
	assert.NoError(t, second.Stop(context.Background()))
}

func TestSessionProtocol(t *testing.T) {
	p := newProject(t)
	cfg := testConfig(p.root)
	cfg.History.Enabled = true

	store := session.NewStore()
	s := store.Create(p.testFile, "chromium")
	srv, base := startServer(t, cfg, Deps{Store: store})
	c := client.NewHTTPClient(base)
	ctx := context.Background()

	sc, err := c.Config(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, sc.ID)
	assert.Equal(t, paths.ToBrowserPath(p.root, p.testFile), sc.TestFile)
	assert.Equal(t, "SCHEDULED", sc.Status)
	assert.False(t, sc.Watch)

	require.NoError(t, c.SessionStarted(ctx, s.ID))
	got, ok := srv.Store().Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, session.Started, got.Status)

	require.NoError(t, c.SessionFinished(ctx, s.ID, client.Result{Passed: true, Errors: []client.TestError{}}))
	got, _ = srv.Store().Get(s.ID)
	assert.Equal(t, session.Finished, got.Status)
	passed, ok := got.Passed()
	assert.True(t, ok)
	assert.True(t, passed)

	require.Eventually(t, func() bool {
		entries, err := c.History(ctx, s.ID, 10)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "FINISHED", sessions[0].Status)
}

func TestUnknownSession(t *testing.T) {
	_, base := startServer(t, testConfig(t.TempDir()), Deps{})
	c := client.NewHTTPClient(base)

	_, err := c.Config(context.Background(), "ghost")
	assert.ErrorIs(t, err, client.ErrUnknownSession)
	assert.ErrorIs(t, c.SessionStarted(context.Background(), "ghost"), client.ErrUnknownSession)
}

func TestTestPageAndStaticFiles(t *testing.T) {
	p := newProject(t)
	_, base := startServer(t, testConfig(p.root), Deps{})

	code, body := get(t, base+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test-runner-mocha")

	code, body = get(t, base+"/src/dep.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "export const x = 1;", body)

	code, _ = get(t, base+"/src/missing.js")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequest404Recorded(t *testing.T) {
	p := newProject(t)
	store := session.NewStore()
	s := store.Create(p.testFile, "chromium")
	srv, base := startServer(t, testConfig(p.root), Deps{Store: store})

	code, _ := get(t, base+"/src/missing.js?wtr-session-id="+s.ID)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, base+"/src/missing.js?wtr-session-id="+s.ID)
	require.Equal(t, http.StatusNotFound, code)

	req, err := http.NewRequest(http.MethodGet, base+"/other.js", nil)
	require.NoError(t, err)
	req.Header.Set(transport.SessionHeader, s.ID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	got, _ := srv.Store().Get(s.ID)
	assert.Equal(t, []string{"/src/missing.js", "/other.js"}, got.Request404s)
}

func TestDependencyChangeReruns(t *testing.T) {
	p := newProject(t)
	cfg := testConfig(p.root)
	cfg.Watch.Enabled = true

	store := session.NewStore()
	s := store.Create(p.testFile, "chromium")
	other := store.Create(filepath.Join(p.root, "test", "b.test.js"), "chromium")
	srv, base := startServer(t, cfg, Deps{Store: store})

	code, _ := get(t, base+"/src/dep.js?wtr-session-id="+s.ID)
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		return len(srv.Tracker().Dependents(p.dep)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(p.dep, []byte("export const x = 2;"), 0o644))

	require.Eventually(t, func() bool {
		got, _ := srv.Store().Get(s.ID)
		return got.TestRun == 1 && got.Status == session.Scheduled
	}, 5*time.Second, 20*time.Millisecond)

	untouched, _ := srv.Store().Get(other.ID)
	assert.Equal(t, 0, untouched.TestRun)
}

func TestTestFileChangeReruns(t *testing.T) {
	p := newProject(t)
	cfg := testConfig(p.root)
	cfg.Watch.Enabled = true

	store := session.NewStore()
	s := store.Create(p.testFile, "chromium")
	srv, _ := startServer(t, cfg, Deps{Store: store})
	require.Equal(t, []string{s.ID}, srv.Tracker().Dependents(p.testFile))

	require.NoError(t, os.WriteFile(p.testFile, []byte("// edited"), 0o644))

	require.Eventually(t, func() bool {
		got, _ := srv.Store().Get(s.ID)
		return got.TestRun == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSessionsAddedAfterStartAreTracked(t *testing.T) {
	p := newProject(t)
	srv, _ := startServer(t, testConfig(p.root), Deps{})

	s := srv.Store().Create(p.testFile, "firefox")
	require.Eventually(t, func() bool {
		return len(srv.Tracker().Dependents(p.testFile)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{s.ID}, srv.Tracker().Dependents(p.testFile))
}

type recordingRunner struct {
	calls chan []*session.Session
}

func (r *recordingRunner) RunTests(sessions []*session.Session) {
	r.calls <- sessions
}

func TestCustomRunner(t *testing.T) {
	p := newProject(t)
	runner := &recordingRunner{calls: make(chan []*session.Session, 1)}
	store := session.NewStore()
	s := store.Create(p.testFile, "chromium")
	srv, _ := startServer(t, testConfig(p.root), Deps{Store: store, Runner: runner})

	require.NoError(t, srv.Orchestrator().RerunSessions(nil))
	select {
	case got := <-runner.calls:
		require.Len(t, got, 1)
		assert.Equal(t, s.ID, got[0].ID)
	case <-time.After(time.Second):
		t.Fatal("runner was not called")
	}
}

func TestOperatorMiddlewareAndPluginRunLast(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mw := transport.MiddlewareFunc(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.URL.Path)
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	plugin := transport.PluginFunc(func(r *http.Request) (*transport.Content, bool) {
		if r.URL.Path != "/virtual.js" {
			return nil, false
		}
		return &transport.Content{Body: []byte("export default 1;"), ContentType: "text/javascript"}, true
	})

	p := newProject(t)
	_, base := startServer(t, testConfig(p.root), Deps{
		Middlewares: []transport.Middleware{mw},
		Plugins:     []transport.Plugin{plugin},
	})

	code, body := get(t, base+"/virtual.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "export default 1;", body)

	code, _ = get(t, base+"/wtr/ghost/config")
	assert.Equal(t, http.StatusBadRequest, code)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/virtual.js"}, seen, "commands are answered before operator middleware")
}

func TestProvenance(t *testing.T) {
	cfg := testConfig(t.TempDir())
	port := 0
	cfg.DevServer.Port = &port
	cfg.DevServer.Headers = map[string]string{"X-Test": "1"}
	srv, base := startServer(t, cfg, Deps{})

	prov := srv.Provenance()
	assert.Equal(t, config.FromOperator, prov["port"])
	assert.Equal(t, config.FromOperator, prov["headers.X-Test"])
	assert.Equal(t, config.FromDefault, prov["host"])
	assert.Equal(t, config.FromDefault, prov["headers.Cache-Control"])

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "1", resp.Header.Get("X-Test"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
}

func TestMetricsEndpoint(t *testing.T) {
	p := newProject(t)
	store := session.NewStore()
	store.Create(p.testFile, "chromium")
	_, base := startServer(t, testConfig(p.root), Deps{Store: store})

	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "wtr_")
}

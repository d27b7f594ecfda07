// Package devserver wires the session protocol, dependency tracking and
// rerun orchestration onto one HTTP transport with an explicit lifecycle.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webtestrunner/devserver/internal/command"
	"github.com/webtestrunner/devserver/internal/config"
	"github.com/webtestrunner/devserver/internal/depgraph"
	"github.com/webtestrunner/devserver/internal/frontend"
	"github.com/webtestrunner/devserver/internal/history"
	"github.com/webtestrunner/devserver/internal/metrics"
	"github.com/webtestrunner/devserver/internal/orchestrator"
	"github.com/webtestrunner/devserver/internal/runner"
	"github.com/webtestrunner/devserver/internal/session"
	"github.com/webtestrunner/devserver/internal/transport"
	"github.com/webtestrunner/devserver/internal/watcher"
	"github.com/webtestrunner/devserver/internal/ws"
)

// ErrAlreadyStarted is returned by Start on a server that was started
// before. A Server is single-use.
var ErrAlreadyStarted = errors.New("dev server already started")

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	eventBuffer         = 256
)

// Deps are the collaborators a Server is built from. Every field is
// optional.
type Deps struct {
	// Store is the session registry. Defaults to an empty store.
	Store *session.Store
	// Runner executes reruns. Defaults to a runner.Scheduler that announces
	// reruns on the event stream.
	Runner orchestrator.Runner
	Logger *zap.Logger
	// Metrics defaults to a fresh registry served at /metrics.
	Metrics *metrics.Metrics
	// Middlewares and Plugins are appended after the built-in ones.
	Middlewares []transport.Middleware
	Plugins     []transport.Plugin
}

// Server is one dev server instance.
type Server struct {
	cfg         *config.Config
	store       *session.Store
	runner      orchestrator.Runner
	logger      *zap.Logger
	metrics     *metrics.Metrics
	middlewares []transport.Middleware
	plugins     []transport.Plugin

	mu           sync.Mutex
	started      bool
	stopped      bool
	rootDir      string
	provenance   config.Provenance
	transport    *transport.Server
	watcher      *watcher.Watcher
	broadcaster  *ws.Broadcaster
	history      *history.Store
	tracker      *depgraph.Tracker
	orchestrator *orchestrator.Orchestrator
	group        *errgroup.Group
	cancel       context.CancelFunc
	unsubscribe  []func()
}

func New(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		runner:      deps.Runner,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		middlewares: deps.Middlewares,
		plugins:     deps.Plugins,
	}
	if s.store == nil {
		s.store = session.NewStore()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Store returns the session registry.
func (s *Server) Store() *session.Store {
	return s.store
}

// Orchestrator returns the rerun orchestrator, or nil before Start.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orchestrator
}

// Tracker returns the dependency tracker, or nil before Start.
func (s *Server) Tracker() *depgraph.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// Provenance reports, per transport field, whether the resolved value came
// from the defaults or the operator.
func (s *Server) Provenance() config.Provenance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provenance
}

// Addr returns the bound listener address, or nil when the server is not
// running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.stopped {
		return nil
	}
	return s.transport.Addr()
}

// Start builds every component, binds the listener and returns once the
// server accepts connections. ctx bounds the start-up only.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	rootDir, err := resolveRoot(s.cfg.Server.RootDir)
	if err != nil {
		return err
	}
	s.rootDir = rootDir

	tc, prov := config.Merge(s.transportDefaults(), s.cfg.DevServer)
	s.provenance = prov
	if tc.RootDir != rootDir {
		if tc.RootDir, err = resolveRoot(tc.RootDir); err != nil {
			return err
		}
		s.rootDir = tc.RootDir
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group = new(errgroup.Group)
	defer func() {
		if err != nil {
			s.teardown()
			s.stopped = true
		}
	}()

	s.metrics.WatchSessions(s.store.CountByStatus)

	s.broadcaster = ws.NewBroadcaster(s.store, s.cfg.Events.BroadcastThrottle, s.cfg.Events.SnapshotInterval, 0, s.logger.Named("events"))
	s.broadcaster.Start(runCtx)

	if s.runner == nil {
		sch := runner.NewScheduler(s.store, s.logger.Named("runner"))
		sch.SetNotifier(s.broadcaster)
		s.runner = sch
	}
	s.orchestrator = orchestrator.New(s.store, s.runner, s.logger.Named("orchestrator"))
	s.orchestrator.SetMetrics(s.metrics)

	s.watcher, err = watcher.New(s.cfg.Watch.Debounce, s.logger.Named("watcher"))
	if err != nil {
		return err
	}
	var files depgraph.FileWatcher
	if s.cfg.Watch.Enabled {
		files = s.watcher
	}
	s.tracker = depgraph.New(s.rootDir, files, s.orchestrator, s.logger.Named("depgraph"))
	s.watcher.OnChange(s.tracker.Changed)
	s.followRegistrations(runCtx)
	if s.cfg.Watch.Enabled {
		if err = s.watcher.Start(runCtx); err != nil {
			return err
		}
	}

	wsServer := ws.NewServer(s.store, s.broadcaster, tc.CORS.AllowedOrigins, s.logger.Named("api"))
	routes := wsServer.Routes()
	routes["/metrics"] = s.metrics.Handler()

	if s.cfg.History.Enabled {
		path := s.cfg.History.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.rootDir, path)
		}
		s.history, err = history.Open(ctx, path, s.cfg.History.Limit, s.logger.Named("history"))
		if err != nil {
			return err
		}
		events, unsubscribe := s.store.Subscribe(eventBuffer)
		s.unsubscribe = append(s.unsubscribe, unsubscribe)
		s.group.Go(func() error {
			s.history.Follow(runCtx, events)
			return nil
		})
		routes["/api/history"] = s.history.Handler(s.cfg.History.Limit)
	}

	page, err := frontend.NewTestPage(s.cfg.TestPage.FrameworkImport, s.cfg.TestPage.HTMLFile)
	if err != nil {
		return err
	}

	dispatcher := command.NewDispatcher(s.store, s.rootDir, s.cfg.Watch.Enabled, s.logger.Named("command"))
	dispatcher.SetMetrics(s.metrics)

	middlewares := []transport.Middleware{
		transport.LogRequests(s.logger.Named("http"), s.metrics.ObserveRequest),
		dispatcher,
		s.tracker,
	}
	plugins := []transport.Plugin{
		page,
		transport.StaticPlugin{RootDir: s.rootDir},
	}

	s.transport, err = transport.Start(ctx, transport.Options{
		TransportConfig: tc,
		Middlewares:     append(middlewares, s.middlewares...),
		Plugins:         append(plugins, s.plugins...),
		Routes:          routes,
		Logger:          s.logger,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	s.logger.Info("dev server started",
		zap.String("addr", s.transport.Addr().String()),
		zap.String("root_dir", s.rootDir),
		zap.Bool("watch", s.cfg.Watch.Enabled),
		zap.Int("sessions", s.store.Len()))
	return nil
}

// followRegistrations makes every session, present and future, depend on
// its own test file.
func (s *Server) followRegistrations(ctx context.Context) {
	events, unsubscribe := s.store.Subscribe(eventBuffer)
	s.unsubscribe = append(s.unsubscribe, unsubscribe)

	for _, st := range s.store.All() {
		s.tracker.RegisterTestFile(st.ID, st.TestFile)
	}

	tracker := s.tracker
	s.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Type == session.EventAdded {
					tracker.RegisterTestFile(ev.Session.ID, ev.Session.TestFile)
				}
			}
		}
	})
}

// Stop shuts the transport down, waiting for in-flight requests until ctx
// expires, then stops the watcher and every background goroutine. Stopping
// a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.transport != nil {
		if err := s.transport.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.teardown(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("dev server stopped")
	return errors.Join(errs...)
}

// teardown releases everything Start built except the transport.
func (s *Server) teardown() error {
	var errs []error
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.Stop()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) transportDefaults() config.TransportConfig {
	return config.TransportConfig{
		Host:         s.cfg.Server.Host,
		Port:         s.cfg.Server.Port,
		RootDir:      s.rootDir,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		MaxBodyBytes: config.DefaultMaxBodyBytes,
		Headers:      map[string]string{"Cache-Control": "no-cache"},
	}
}

func resolveRoot(dir string) (string, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve root dir: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve root dir %s: %w", dir, err)
	}
	return abs, nil
}

// Package transport is the HTTP layer of the dev server: a chi router with
// an explicit middleware chain ending in an ordered list of content plugins.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webtestrunner/devserver/internal/config"
)

// SessionHeader lets a browser tag an asset request with its session id
// when it cannot use the query parameter.
const SessionHeader = "X-WTR-Session-Id"

// Options is everything needed to start a transport.
type Options struct {
	config.TransportConfig

	// Middlewares run in order for every request not claimed by Routes.
	Middlewares []Middleware
	// Plugins resolve content once every middleware passed the request on.
	Plugins []Plugin
	// Routes are fixed endpoints mounted next to the chain (metrics,
	// websocket, status).
	Routes map[string]http.Handler

	Logger *zap.Logger
}

type Server struct {
	httpServer *http.Server
	listener   net.Listener
	group      *errgroup.Group
	logger     *zap.Logger
}

// Handler builds the router for opts without binding a listener.
func Handler(opts Options) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if len(opts.Headers) > 0 {
		router.Use(staticHeaders(opts.Headers))
	}
	if opts.CORS.Enabled {
		router.Use(cors(opts.CORS))
	}
	if opts.MaxBodyBytes > 0 {
		router.Use(limitBody(opts.MaxBodyBytes))
	}

	for pattern, h := range opts.Routes {
		router.Handle(pattern, h)
	}

	chain := Chain(Plugins(opts.Plugins...), opts.Middlewares...)
	router.Handle("/*", chain)
	router.Handle("/", chain)
	return router
}

// Start binds the listener and serves in the background. It returns once
// the listener is bound; serve errors surface from Close.
func Start(ctx context.Context, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:      Handler(opts),
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		listener: ln,
		group:    new(errgroup.Group),
		logger:   logger,
	}
	s.group.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	logger.Info("dev server listening", zap.String("addr", ln.Addr().String()), zap.String("root_dir", opts.RootDir))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting connections, waits for in-flight requests until ctx
// expires, and returns any serve error.
func (s *Server) Close(ctx context.Context) error {
	shutdownErr := s.httpServer.Shutdown(ctx)
	serveErr := s.group.Wait()
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return serveErr
}

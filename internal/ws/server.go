package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/session"
)

// EventsPath is where launchers and dashboards connect for session events.
const EventsPath = "/wtr-events"

// Registry is the read side of the session registry the API exposes.
type Registry interface {
	All() []*session.Session
	Get(id string) (*session.Session, bool)
	CountByStatus() map[session.Status]int
	Dropped() int64
}

// Server exposes the event stream and a read-only JSON API over the session
// registry.
type Server struct {
	store          Registry
	broadcaster    *Broadcaster
	logger         *zap.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	startedAt      time.Time
	proc           *process.Process
}

func NewServer(store Registry, broadcaster *Broadcaster, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		startedAt:      time.Now(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		logger.Debug("process stats unavailable", zap.Error(err))
	}
	return s
}

// Routes returns the fixed endpoints to mount next to the middleware chain.
func (s *Server) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		EventsPath:          http.HandlerFunc(s.handleWS),
		"/api/sessions":      securityHeaders(http.HandlerFunc(s.handleSessions)),
		"/api/sessions/{id}": securityHeaders(http.HandlerFunc(s.handleSession)),
		"/api/status":        securityHeaders(http.HandlerFunc(s.handleStatus)),
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		} else if errors.Is(err, ErrStopped) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		}
		conn.Close()
		s.logger.Warn("ws client rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.logger.Debug("ws client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Debug("ws client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.All())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

// ProcessStats describes the dev server process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Threads    int32   `json:"threads"`
}

// Status is the body of /api/status.
type Status struct {
	Sessions      map[string]int `json:"sessions"`
	Clients       int            `json:"clients"`
	DroppedEvents int64          `json:"droppedEvents"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Process       *ProcessStats  `json:"process,omitempty"`
}

func (s *Server) status() Status {
	counts := s.store.CountByStatus()
	byName := make(map[string]int, len(counts))
	for _, st := range []session.Status{session.Scheduled, session.Started, session.Finished} {
		byName[st.String()] = counts[st]
	}
	out := Status{
		Sessions:      byName,
		Clients:       s.broadcaster.ClientCount(),
		DroppedEvents: s.store.Dropped(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.proc != nil {
		ps := &ProcessStats{PID: int(s.proc.Pid)}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			ps.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			ps.RSSBytes = mem.RSS
		}
		if n, err := s.proc.NumThreads(); err == nil {
			ps.Threads = n
		}
		out.Process = ps
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

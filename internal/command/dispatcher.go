// Package command implements the in-band protocol browsers use to talk to
// the dev server under /wtr/{sessionId}/{command}.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/metrics"
	"github.com/webtestrunner/devserver/internal/orchestrator"
	"github.com/webtestrunner/devserver/internal/paths"
	"github.com/webtestrunner/devserver/internal/session"
)

// Prefix is the reserved URL namespace.
const Prefix = "/wtr/"

// Commands understood under Prefix.
const (
	Config          = "config"
	SessionStarted  = "session-started"
	SessionFinished = "session-finished"
)

// Dispatcher is a transport middleware. It answers requests for known
// commands and passes everything else to the next handler.
//
// session-started and session-finished for the same session are not
// serialized against each other: two reports racing for one session resolve
// in whatever order the registry receives them.
type Dispatcher struct {
	registry orchestrator.Registry
	rootDir  string
	watch    bool
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(registry orchestrator.Registry, rootDir string, watch bool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		rootDir:  rootDir,
		watch:    watch,
		logger:   logger,
	}
}

// SetMetrics configures the collectors the dispatcher records into.
// Must be called before Wrap.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// ParsePath splits a request path into session id and command. ok is false
// when the path is outside the namespace or either part is missing.
func ParsePath(path string) (sessionID, command string, ok bool) {
	rest, found := strings.CutPrefix(path, Prefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (d *Dispatcher) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, command, ok := ParsePath(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		s, found := d.registry.Get(sessionID)
		if !found {
			msg := fmt.Sprintf("Session id %s not found", sessionID)
			d.logger.Error(msg, zap.String("command", command))
			d.metrics.CommandHandled(commandLabel(command), "unknown_session")
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		switch command {
		case Config:
			d.handleConfig(w, s)
		case SessionStarted:
			d.handleStarted(w, s)
		case SessionFinished:
			d.handleFinished(w, r, s)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (d *Dispatcher) handleConfig(w http.ResponseWriter, s *session.Session) {
	data, err := d.configJSON(s)
	if err != nil {
		d.logger.Error("encode session config", zap.String("session", s.ID), zap.Error(err))
		d.metrics.CommandHandled(Config, "error")
		http.Error(w, "failed to encode session config", http.StatusInternalServerError)
		return
	}
	d.metrics.CommandHandled(Config, "ok")
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// configJSON encodes the session the way the browser sees it: the test file
// is a path relative to the server root and the watch flag is attached.
func (d *Dispatcher) configJSON(s *session.Session) ([]byte, error) {
	view := s.Clone()
	view.TestFile = paths.ToBrowserPath(d.rootDir, s.TestFile)

	data, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["watch"] = json.RawMessage(fmt.Sprintf("%t", d.watch))
	return json.Marshal(fields)
}

func (d *Dispatcher) handleStarted(w http.ResponseWriter, s *session.Session) {
	d.registry.UpdateStatus(s, session.Started)
	d.metrics.CommandHandled(SessionStarted, "ok")
	d.logger.Debug("session started", zap.String("session", s.ID))
	w.WriteHeader(http.StatusOK)
}

func (d *Dispatcher) handleFinished(w http.ResponseWriter, r *http.Request, s *session.Session) {
	result, err := decodeResult(r.Body)
	if err != nil {
		d.logger.Warn("invalid session result", zap.String("session", s.ID), zap.Error(err))
		d.metrics.CommandHandled(SessionFinished, "bad_request")
		http.Error(w, fmt.Sprintf("invalid session result: %v", err), http.StatusBadRequest)
		return
	}

	if skipped := s.MergeResult(result); len(skipped) > 0 {
		d.logger.Warn("ignored registry-owned fields in session result",
			zap.String("session", s.ID),
			zap.Strings("fields", skipped))
	}
	d.registry.UpdateStatus(s, session.Finished)
	d.metrics.CommandHandled(SessionFinished, "ok")
	d.logger.Debug("session finished", zap.String("session", s.ID))
	w.WriteHeader(http.StatusOK)
}

// commandLabel bounds the metric label set to the known commands.
func commandLabel(command string) string {
	switch command {
	case Config, SessionStarted, SessionFinished:
		return command
	}
	return "other"
}

// decodeResult reads the JSON object a browser posts on finish. An empty
// body is an empty result.
func decodeResult(body io.Reader) (map[string]json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	var result map[string]json.RawMessage
	err := json.NewDecoder(body).Decode(&result)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

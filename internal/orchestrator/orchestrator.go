// Package orchestrator decides which sessions are re-executed and records
// per-session missing resources.
package orchestrator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/metrics"
	"github.com/webtestrunner/devserver/internal/session"
)

// ErrSessionNotFound is returned when a session id does not resolve in the
// registry.
var ErrSessionNotFound = errors.New("session not found")

// Registry is the session registry the orchestrator reads and writes.
type Registry interface {
	Get(id string) (*session.Session, bool)
	All() []*session.Session
	Update(s *session.Session)
	UpdateStatus(s *session.Session, status session.Status)
}

// Runner executes sessions. The orchestrator fires and forgets; ordering,
// deduplication and cancellation of in-flight runs belong to the runner.
type Runner interface {
	RunTests(sessions []*session.Session)
}

type Orchestrator struct {
	registry Registry
	runner   Runner
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(registry Registry, runner Runner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		runner:   runner,
		logger:   logger,
	}
}

// SetMetrics configures the collectors the orchestrator records into.
// Must be called before the orchestrator is used.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// RerunSessions submits sessions for execution. A nil ids reruns every
// registered session in registry order. Otherwise every id must resolve:
// one unknown id fails the call and nothing is submitted. The runner is
// called even when the resolved set is empty.
func (o *Orchestrator) RerunSessions(ids []string) error {
	var sessions []*session.Session
	if ids == nil {
		sessions = o.registry.All()
	} else {
		sessions = make([]*session.Session, 0, len(ids))
		for _, id := range ids {
			s, ok := o.registry.Get(id)
			if !ok {
				return fmt.Errorf("rerun %s: %w", id, ErrSessionNotFound)
			}
			sessions = append(sessions, s)
		}
	}
	o.logger.Debug("rerunning sessions", zap.Int("count", len(sessions)))
	o.metrics.RerunSubmitted(len(sessions))
	o.runner.RunTests(sessions)
	return nil
}

// Known reports whether sessionID is registered.
func (o *Orchestrator) Known(sessionID string) bool {
	_, ok := o.registry.Get(sessionID)
	return ok
}

// Request404 records that the browser running sessionID could not load url.
// Each url is recorded once per session.
func (o *Orchestrator) Request404(sessionID, url string) error {
	s, ok := o.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("record 404 for %s: %w", sessionID, ErrSessionNotFound)
	}
	if s.HasRequest404(url) {
		return nil
	}
	s.Request404s = append(s.Request404s, url)
	o.registry.Update(s)
	o.metrics.Request404Recorded()
	return nil
}

// Package runner holds the default test runner: it reschedules sessions in
// the registry and tells connected launchers to reload them.
package runner

import (
	"sync"

	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/session"
)

// Registry is the part of the session registry the scheduler writes to.
type Registry interface {
	Get(id string) (*session.Session, bool)
	UpdateStatus(s *session.Session, status session.Status)
}

// Notifier is told which sessions were rescheduled.
type Notifier interface {
	Rerun(sessions []*session.Session)
}

// Scheduler implements the orchestrator's runner contract. Each call starts
// a new test run for the given sessions: the run counter is incremented,
// results of the previous run are cleared and the status goes back to
// scheduled.
type Scheduler struct {
	mu       sync.Mutex
	registry Registry
	notifier Notifier
	logger   *zap.Logger
}

func NewScheduler(registry Registry, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{registry: registry, logger: logger}
}

// SetNotifier configures who is told about rescheduled sessions.
// Must be called before RunTests.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Scheduler) RunTests(sessions []*session.Session) {
	s.mu.Lock()
	scheduled := make([]*session.Session, 0, len(sessions))
	for _, requested := range sessions {
		// Re-read so a concurrent result write is not undone by a stale copy.
		current, ok := s.registry.Get(requested.ID)
		if !ok {
			s.logger.Warn("skipping rerun of unregistered session", zap.String("session", requested.ID))
			continue
		}
		current.TestRun++
		current.Request404s = nil
		current.Result = nil
		s.registry.UpdateStatus(current, session.Scheduled)
		current.Status = session.Scheduled
		scheduled = append(scheduled, current)
	}
	s.mu.Unlock()

	if len(scheduled) == 0 {
		return
	}
	s.logger.Info("sessions scheduled", zap.Int("count", len(scheduled)))
	if s.notifier != nil {
		s.notifier.Rerun(scheduled)
	}
}

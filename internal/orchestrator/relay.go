package orchestrator

import (
	"go.uber.org/zap"
)

// FileChanged is the entry point for dependency change notifications: path
// changed and the sessions in sessionIDs depend on it. Failures are logged.
func (o *Orchestrator) FileChanged(path string, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	o.metrics.FileChanged()
	o.logger.Info("file changed, rerunning dependent sessions",
		zap.String("path", path),
		zap.Strings("sessions", sessionIDs))
	if err := o.RerunSessions(sessionIDs); err != nil {
		o.logger.Error("rerun after file change failed",
			zap.String("path", path),
			zap.Error(err))
	}
}

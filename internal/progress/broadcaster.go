// Package progress delivers audit progress notifications to observers. The
// orchestrator treats delivery as best effort, so broadcaster implementations
// may fail without affecting the audit run.
package progress

import (
	"go.uber.org/zap"

	"github.com/tracklens/trackaudit/internal/audit"
)

const (
	progressMessageConstant     = "audit progress"
	logFieldSessionIDConstant   = "session_id"
	logFieldAuditTypeConstant   = "audit_type"
	logFieldStatusConstant      = "status"
	logFieldStepCountConstant   = "step_count"
	logFieldIssueCountConstant  = "issue_count"
	logFieldReportedErrConstant = "reported_error"
)

// LogBroadcaster reports audit progress through a zap logger. It stands in
// for a push transport in environments without connected dashboards.
type LogBroadcaster struct {
	logger *zap.Logger
}

// NewLogBroadcaster constructs a broadcaster writing to the provided logger.
func NewLogBroadcaster(logger *zap.Logger) *LogBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBroadcaster{logger: logger}
}

// ReportProgress logs one progress notification. It never fails.
func (broadcaster *LogBroadcaster) ReportProgress(sessionID string, auditType audit.Type, status audit.StepStatus, result *audit.Result, reportedError error) error {
	logFields := []zap.Field{
		zap.String(logFieldSessionIDConstant, sessionID),
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.String(logFieldStatusConstant, string(status)),
	}
	if result != nil {
		logFields = append(logFields,
			zap.Int(logFieldStepCountConstant, len(result.Steps)),
			zap.Int(logFieldIssueCountConstant, len(result.Issues)),
		)
	}
	if reportedError != nil {
		logFields = append(logFields, zap.String(logFieldReportedErrConstant, reportedError.Error()))
	}
	broadcaster.logger.Debug(progressMessageConstant, logFields...)
	return nil
}

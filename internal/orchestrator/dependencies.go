package orchestrator

import (
	"context"

	"github.com/tracklens/trackaudit/internal/audit"
)

// Platform identifies an external marketing platform backend.
type Platform string

// Platform values the audit workflows compare data across.
const (
	PlatformCommerce  Platform = "commerce"
	PlatformAnalytics Platform = "analytics"
	PlatformPixel     Platform = "pixel"
	PlatformFeed      Platform = "feed"
	PlatformSearch    Platform = "search"
)

// DataSource exposes the data-fetching and correction operations of one
// external platform backend.
//
// ApplyCorrection must be idempotent: an action may be retried after a
// failure or replayed by a durable workflow engine, so implementations check
// existing state before mutating and treat "already applied" as success.
type DataSource interface {
	Configured() bool
	FetchIdentifierSet(executionContext context.Context, kind string) ([]string, error)
	FetchCount(executionContext context.Context, kind string, periodDays int) (int, error)
	ApplyCorrection(executionContext context.Context, actionID string) error
}

// ProgressBroadcaster receives best-effort progress notifications after every
// persistence write. Failures are logged by the orchestrator and never fail
// the audit run.
type ProgressBroadcaster interface {
	ReportProgress(sessionID string, auditType audit.Type, status audit.StepStatus, result *audit.Result, reportedError error) error
}

// IssueDraft is an issue produced by a step executor before the orchestrator
// assigns its identifier and initial action status.
type IssueDraft struct {
	Severity    audit.IssueSeverity
	Title       string
	Description string
	Details     []string
	ActionID    string
	ActionLabel string
	ActionURL   string
}

// StepOutcome is the terminal report of one executed step.
type StepOutcome struct {
	Status       audit.StepStatus
	Result       map[string]any
	ErrorMessage string
	Issues       []IssueDraft
	Summary      map[string]any
	GateFailure  bool
}

// Run executes the steps of one audit run, invoked in step-table order by
// logical step name. Step executions must be safe to re-run: a durable
// workflow engine may replay a run while skipping memoized steps.
type Run interface {
	ExecuteStep(executionContext context.Context, stepID string) StepOutcome
}

// Runner builds runs for one audit type and answers availability queries.
type Runner interface {
	AuditType() audit.Type
	Configured() bool
	NewRun() Run
	ApplyCorrection(executionContext context.Context, actionID string) error
}

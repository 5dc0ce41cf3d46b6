package audit

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the supported audit workflows.
type Type string

// Audit type values supported by the orchestrator.
const (
	TypeAnalytics Type = "analytics"
	TypePixel     Type = "pixel"
	TypeFeed      Type = "feed"
	TypeSearch    Type = "search"
)

// Types lists every supported audit type in presentation order.
func Types() []Type {
	return []Type{TypeAnalytics, TypePixel, TypeFeed, TypeSearch}
}

// KnownType reports whether the provided value names a supported audit type.
func KnownType(candidate Type) bool {
	for _, knownType := range Types() {
		if candidate == knownType {
			return true
		}
	}
	return false
}

// StepStatus models the lifecycle of a single audit step.
type StepStatus string

// Step status values.
const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusWarning StepStatus = "warning"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the status ends a step's execution.
func (status StepStatus) Terminal() bool {
	switch status {
	case StepStatusSuccess, StepStatusWarning, StepStatusError, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// ActionStatus models the lifecycle of a correction action attached to an issue.
type ActionStatus string

// Action status values.
const (
	ActionStatusNotAvailable ActionStatus = "not_available"
	ActionStatusAvailable    ActionStatus = "available"
	ActionStatusRunning      ActionStatus = "running"
	ActionStatusCompleted    ActionStatus = "completed"
	ActionStatusFailed       ActionStatus = "failed"
)

// IssueSeverity ranks detected issues for presentation.
type IssueSeverity string

// Issue severity values.
const (
	IssueSeverityCritical IssueSeverity = "critical"
	IssueSeverityHigh     IssueSeverity = "high"
	IssueSeverityMedium   IssueSeverity = "medium"
	IssueSeverityLow      IssueSeverity = "low"
	IssueSeverityInfo     IssueSeverity = "info"
)

// Clock abstracts time-dependent functionality for deterministic testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the standard library.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Step is one unit of work inside an audit run.
type Step struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Status       StepStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     *time.Duration `json:"duration,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Issue describes a detected problem, optionally resolvable by a correction action.
type Issue struct {
	ID           string        `json:"id"`
	Severity     IssueSeverity `json:"severity"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Details      []string      `json:"details,omitempty"`
	ActionID     string        `json:"action_id,omitempty"`
	ActionLabel  string        `json:"action_label,omitempty"`
	ActionURL    string        `json:"action_url,omitempty"`
	ActionStatus ActionStatus  `json:"action_status"`
	ActionError  string        `json:"action_error,omitempty"`
}

// Result captures one run of one audit type.
type Result struct {
	ID          string         `json:"id"`
	AuditType   Type           `json:"audit_type"`
	Status      StepStatus     `json:"status"`
	Steps       []Step         `json:"steps"`
	Issues      []Issue        `json:"issues,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Session holds the latest known result per audit type.
type Session struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Results   map[Type]*Result `json:"results"`
}

// NewSession constructs an empty session stamped by the provided clock.
func NewSession(clock Clock) *Session {
	if clock == nil {
		clock = SystemClock{}
	}
	creationTime := clock.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: creationTime,
		UpdatedAt: creationTime,
		Results:   map[Type]*Result{},
	}
}

// Touch advances the session's update timestamp, never moving it backwards.
func (session *Session) Touch(clock Clock) {
	if clock == nil {
		clock = SystemClock{}
	}
	currentTime := clock.Now().UTC()
	if currentTime.After(session.UpdatedAt) {
		session.UpdatedAt = currentTime
	}
}

// SetResult records the latest result for its audit type and touches the session.
func (session *Session) SetResult(result *Result, clock Clock) {
	if session.Results == nil {
		session.Results = map[Type]*Result{}
	}
	session.Results[result.AuditType] = result
	session.Touch(clock)
}

// FindIssue locates the issue carrying the requested action identifier.
func (result *Result) FindIssue(actionID string) *Issue {
	for issueIndex := range result.Issues {
		if result.Issues[issueIndex].ActionID == actionID {
			return &result.Issues[issueIndex]
		}
	}
	return nil
}

// FindStep locates a step by identifier.
func (result *Result) FindStep(stepID string) *Step {
	for stepIndex := range result.Steps {
		if result.Steps[stepIndex].ID == stepID {
			return &result.Steps[stepIndex]
		}
	}
	return nil
}

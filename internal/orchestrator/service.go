package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/session"
)

const (
	serviceStoreRequiredMessageConstant      = "orchestrator requires a session store"
	unknownAuditTypeTemplateConstant         = "unknown audit type %s"
	runnerNotConfiguredTemplateConstant      = "no collaborator configured for audit type %s"
	persistSessionErrorTemplateConstant      = "failed to persist session: %w"
	loadSessionErrorTemplateConstant         = "failed to load session: %w"
	recoverResultsErrorTemplateConstant      = "failed to recover interrupted results: %w"
	noResultForTypeTemplateConstant          = "no audit result recorded for type %s"
	stepPanicMessageTemplateConstant         = "step %s crashed: %v"
	invalidStepOutcomeTemplateConstant       = "step %s reported non-terminal status %s"
	summaryIssueCountKeyConstant             = "issue_count"
	summaryIssuesBySeverityKeyConstant       = "issues_by_severity"
	broadcasterFailureMessageConstant        = "progress broadcast failed"
	cacheInvalidationMessageConstant         = "invalidated platform caches"
	auditStartedMessageConstant              = "audit started"
	auditCompletedMessageConstant            = "audit completed"
	actionStartedMessageConstant             = "correction action started"
	actionFinishedMessageConstant            = "correction action finished"
	staleAuditsRecoveredMessageConstant      = "stale running audits recovered"
	logFieldAuditTypeConstant                = "audit_type"
	logFieldSessionConstant                  = "session_id"
	logFieldStatusConstant                   = "status"
	logFieldStepConstant                     = "step_id"
	logFieldActionConstant                   = "action_id"
	logFieldPlatformsConstant                = "platforms"
	logFieldRecoveredCountConstant           = "recovered_count"
	logFieldIssueCountConstant               = "issue_count"
	actionCollaboratorMissingMessageConstant = "collaborator for this audit type is not configured"
)

// Dependencies configures the collaborators of the orchestrator service.
// Runners are optional per audit type: an absent runner simply reports the
// audit as not configured instead of failing construction.
type Dependencies struct {
	Logger      *zap.Logger
	Store       session.Store
	Broadcaster ProgressBroadcaster
	Caches      *CacheRegistry
	Clock       audit.Clock
	Runners     []Runner
}

// Service is the top-level audit coordinator.
type Service struct {
	logger      *zap.Logger
	store       session.Store
	broadcaster ProgressBroadcaster
	caches      *CacheRegistry
	clock       audit.Clock
	runners     map[audit.Type]Runner
	actionMutex sync.Mutex
}

// NewService constructs a Service from the provided dependencies.
func NewService(dependencies Dependencies) (*Service, error) {
	if dependencies.Store == nil {
		return nil, errors.New(serviceStoreRequiredMessageConstant)
	}

	serviceLogger := dependencies.Logger
	if serviceLogger == nil {
		serviceLogger = zap.NewNop()
	}
	serviceClock := dependencies.Clock
	if serviceClock == nil {
		serviceClock = audit.SystemClock{}
	}
	cacheRegistry := dependencies.Caches
	if cacheRegistry == nil {
		cacheRegistry = NewCacheRegistry()
	}

	runnerLookup := make(map[audit.Type]Runner, len(dependencies.Runners))
	for _, runner := range dependencies.Runners {
		if runner == nil {
			continue
		}
		runnerLookup[runner.AuditType()] = runner
	}

	return &Service{
		logger:      serviceLogger,
		store:       dependencies.Store,
		broadcaster: dependencies.Broadcaster,
		caches:      cacheRegistry,
		clock:       serviceClock,
		runners:     runnerLookup,
	}, nil
}

// Caches exposes the registry so collaborators can share the platform caches.
func (service *Service) Caches() *CacheRegistry {
	return service.caches
}

// Availability summarizes one audit type for operator-facing listings.
type Availability struct {
	AuditType  audit.Type       `json:"audit_type"`
	Configured bool             `json:"configured"`
	LastStatus audit.StepStatus `json:"last_status,omitempty"`
	LastRunAt  *time.Time       `json:"last_run_at,omitempty"`
	IssueCount int              `json:"issue_count"`
}

// AvailableAudits reports, for every audit type, whether its collaborators
// are configured plus the last known status and issue count. It performs no
// mutation.
func (service *Service) AvailableAudits(executionContext context.Context) ([]Availability, error) {
	latestSession, loadError := service.store.LoadLatestSession(executionContext)
	if loadError != nil {
		return nil, fmt.Errorf(loadSessionErrorTemplateConstant, loadError)
	}

	availabilities := make([]Availability, 0, len(audit.Types()))
	for _, auditType := range audit.Types() {
		availability := Availability{AuditType: auditType}
		if runner, runnerExists := service.runners[auditType]; runnerExists {
			availability.Configured = runner.Configured()
		}
		if latestSession != nil {
			if latestResult, resultExists := latestSession.Results[auditType]; resultExists {
				availability.LastStatus = latestResult.Status
				availability.LastRunAt = &latestResult.StartedAt
				availability.IssueCount = len(latestResult.Issues)
			}
		}
		availabilities = append(availabilities, availability)
	}
	return availabilities, nil
}

// StartAudit runs the requested audit type end to end: selective cache
// invalidation, fresh result initialization, strictly sequential step
// execution with persistence after every transition, issue aggregation, and
// final status roll-up.
func (service *Service) StartAudit(executionContext context.Context, auditType audit.Type) (*audit.Result, error) {
	if !audit.KnownType(auditType) {
		return nil, fmt.Errorf(unknownAuditTypeTemplateConstant, auditType)
	}
	runner, runnerExists := service.runners[auditType]
	if !runnerExists {
		return nil, &audit.PreconditionMissingError{Reason: fmt.Sprintf(runnerNotConfiguredTemplateConstant, auditType)}
	}

	invalidatedPlatforms := service.caches.InvalidateForAuditType(auditType)
	service.logger.Debug(
		cacheInvalidationMessageConstant,
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.Any(logFieldPlatformsConstant, invalidatedPlatforms),
	)

	auditSession, sessionError := service.loadOrCreateSession(executionContext)
	if sessionError != nil {
		return nil, sessionError
	}

	auditResult := audit.NewResult(auditType, service.clock)
	auditSession.SetResult(auditResult, service.clock)
	if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
		return nil, persistError
	}
	service.reportProgress(auditSession, auditResult, nil)

	service.logger.Info(
		auditStartedMessageConstant,
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.String(logFieldSessionConstant, auditSession.ID),
	)

	auditRun := runner.NewRun()
	gateFailed := false

	for stepIndex := range auditResult.Steps {
		currentStep := &auditResult.Steps[stepIndex]

		if beginError := audit.BeginStep(currentStep, service.clock); beginError != nil {
			return nil, beginError
		}
		auditSession.Touch(service.clock)
		if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
			return nil, persistError
		}
		service.reportProgress(auditSession, auditResult, nil)

		stepOutcome := service.executeStep(executionContext, auditRun, currentStep.ID)
		if finishError := audit.FinishStep(currentStep, stepOutcome.Status, stepOutcome.Result, stepOutcome.ErrorMessage, service.clock); finishError != nil {
			return nil, finishError
		}

		service.appendIssues(auditResult, stepOutcome.Issues)
		service.mergeSummary(auditResult, stepOutcome.Summary)

		if stepOutcome.GateFailure {
			gateFailed = true
			audit.SkipRemainingSteps(auditResult)
		}

		auditSession.Touch(service.clock)
		if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
			return nil, persistError
		}
		service.reportProgress(auditSession, auditResult, nil)

		if gateFailed {
			break
		}
	}

	audit.FinalizeResult(auditResult, gateFailed, service.clock)
	service.stampIssueSummary(auditResult)
	auditSession.Touch(service.clock)
	if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
		return nil, persistError
	}
	service.reportProgress(auditSession, auditResult, nil)

	service.logger.Info(
		auditCompletedMessageConstant,
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.String(logFieldStatusConstant, string(auditResult.Status)),
		zap.Int(logFieldIssueCountConstant, len(auditResult.Issues)),
	)

	return auditResult, nil
}

// ExecuteAction validates and runs a correction action on the latest result
// of the audit type. Correction failures are recorded on the issue and never
// propagate as crashes; only persistence failures surface to the caller.
func (service *Service) ExecuteAction(executionContext context.Context, auditType audit.Type, actionID string) (*audit.Issue, error) {
	if !audit.KnownType(auditType) {
		return nil, fmt.Errorf(unknownAuditTypeTemplateConstant, auditType)
	}

	auditSession, targetIssue, claimError := service.claimAction(executionContext, auditType, actionID)
	if claimError != nil {
		return nil, claimError
	}

	service.logger.Info(
		actionStartedMessageConstant,
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.String(logFieldActionConstant, actionID),
	)
	service.reportProgress(auditSession, auditSession.Results[auditType], nil)

	correctionError := service.applyCorrection(executionContext, auditType, actionID)

	service.actionMutex.Lock()
	defer service.actionMutex.Unlock()

	if correctionError != nil {
		_ = audit.FailAction(targetIssue, correctionError.Error())
	} else {
		_ = audit.CompleteAction(targetIssue)
	}

	auditSession.Touch(service.clock)
	if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
		return nil, persistError
	}
	service.reportProgress(auditSession, auditSession.Results[auditType], correctionError)

	service.logger.Info(
		actionFinishedMessageConstant,
		zap.String(logFieldAuditTypeConstant, string(auditType)),
		zap.String(logFieldActionConstant, actionID),
		zap.String(logFieldStatusConstant, string(targetIssue.ActionStatus)),
	)

	issueCopy := *targetIssue
	return &issueCopy, nil
}

// claimAction performs the optimistic check-then-set that moves the action
// to running and persists the claim before any side effect starts. A second
// concurrent caller observes the running status and is rejected.
func (service *Service) claimAction(executionContext context.Context, auditType audit.Type, actionID string) (*audit.Session, *audit.Issue, error) {
	service.actionMutex.Lock()
	defer service.actionMutex.Unlock()

	auditSession, loadError := service.store.LoadLatestSession(executionContext)
	if loadError != nil {
		return nil, nil, fmt.Errorf(loadSessionErrorTemplateConstant, loadError)
	}
	if auditSession == nil {
		return nil, nil, fmt.Errorf("%w: "+noResultForTypeTemplateConstant, audit.ErrActionNotAvailable, auditType)
	}
	latestResult, resultExists := auditSession.Results[auditType]
	if !resultExists {
		return nil, nil, fmt.Errorf("%w: "+noResultForTypeTemplateConstant, audit.ErrActionNotAvailable, auditType)
	}

	targetIssue := latestResult.FindIssue(actionID)
	if beginError := audit.BeginAction(targetIssue, actionID); beginError != nil {
		return nil, nil, beginError
	}

	auditSession.Touch(service.clock)
	if persistError := service.persistResult(executionContext, auditSession, auditType); persistError != nil {
		return nil, nil, persistError
	}
	return auditSession, targetIssue, nil
}

func (service *Service) applyCorrection(executionContext context.Context, auditType audit.Type, actionID string) error {
	runner, runnerExists := service.runners[auditType]
	if !runnerExists {
		return errors.New(actionCollaboratorMissingMessageConstant)
	}
	return runner.ApplyCorrection(executionContext, actionID)
}

// CleanupStaleRunningAudits reconciles results left running or pending by a
// process that died mid-run. Called once at process startup, before any
// other store access.
func (service *Service) CleanupStaleRunningAudits(executionContext context.Context) (int, error) {
	recoveredCount, recoverError := service.store.RecoverInterruptedResults(executionContext, service.clock.Now(), session.InterruptedRunMessage)
	if recoverError != nil {
		return 0, fmt.Errorf(recoverResultsErrorTemplateConstant, recoverError)
	}
	if recoveredCount > 0 {
		service.logger.Warn(
			staleAuditsRecoveredMessageConstant,
			zap.Int(logFieldRecoveredCountConstant, recoveredCount),
		)
	}
	return recoveredCount, nil
}

// LatestSession exposes the persisted session for operator-facing surfaces.
func (service *Service) LatestSession(executionContext context.Context) (*audit.Session, error) {
	latestSession, loadError := service.store.LoadLatestSession(executionContext)
	if loadError != nil {
		return nil, fmt.Errorf(loadSessionErrorTemplateConstant, loadError)
	}
	return latestSession, nil
}

func (service *Service) loadOrCreateSession(executionContext context.Context) (*audit.Session, error) {
	auditSession, loadError := service.store.LoadLatestSession(executionContext)
	if loadError != nil {
		return nil, fmt.Errorf(loadSessionErrorTemplateConstant, loadError)
	}
	if auditSession != nil {
		return auditSession, nil
	}

	auditSession = audit.NewSession(service.clock)
	if saveError := service.store.SaveSession(executionContext, auditSession); saveError != nil {
		return nil, fmt.Errorf(persistSessionErrorTemplateConstant, saveError)
	}
	return auditSession, nil
}

func (service *Service) persistResult(executionContext context.Context, auditSession *audit.Session, auditType audit.Type) error {
	if saveError := service.store.SaveResult(executionContext, auditSession, auditType); saveError != nil {
		return fmt.Errorf(persistSessionErrorTemplateConstant, saveError)
	}
	return nil
}

// executeStep shields the run from executor panics and normalizes invalid
// outcomes into step errors.
func (service *Service) executeStep(executionContext context.Context, auditRun Run, stepID string) (stepOutcome StepOutcome) {
	defer func() {
		if panicValue := recover(); panicValue != nil {
			stepOutcome = StepOutcome{
				Status:       audit.StepStatusError,
				ErrorMessage: fmt.Sprintf(stepPanicMessageTemplateConstant, stepID, panicValue),
			}
		}
	}()

	stepOutcome = auditRun.ExecuteStep(executionContext, stepID)
	switch stepOutcome.Status {
	case audit.StepStatusSuccess, audit.StepStatusWarning, audit.StepStatusError:
		return stepOutcome
	default:
		return StepOutcome{
			Status:       audit.StepStatusError,
			ErrorMessage: fmt.Sprintf(invalidStepOutcomeTemplateConstant, stepID, stepOutcome.Status),
			GateFailure:  stepOutcome.GateFailure,
		}
	}
}

func (service *Service) appendIssues(auditResult *audit.Result, issueDrafts []IssueDraft) {
	for _, issueDraft := range issueDrafts {
		issue := audit.Issue{
			ID:           uuid.NewString(),
			Severity:     issueDraft.Severity,
			Title:        issueDraft.Title,
			Description:  issueDraft.Description,
			Details:      issueDraft.Details,
			ActionID:     issueDraft.ActionID,
			ActionLabel:  issueDraft.ActionLabel,
			ActionURL:    issueDraft.ActionURL,
			ActionStatus: audit.ActionStatusNotAvailable,
		}
		if len(issueDraft.ActionID) > 0 {
			issue.ActionStatus = audit.ActionStatusAvailable
		}
		auditResult.Issues = append(auditResult.Issues, issue)
	}
}

func (service *Service) mergeSummary(auditResult *audit.Result, summaryEntries map[string]any) {
	if len(summaryEntries) == 0 {
		return
	}
	if auditResult.Summary == nil {
		auditResult.Summary = map[string]any{}
	}
	for summaryKey, summaryValue := range summaryEntries {
		auditResult.Summary[summaryKey] = summaryValue
	}
}

func (service *Service) stampIssueSummary(auditResult *audit.Result) {
	if auditResult.Summary == nil {
		auditResult.Summary = map[string]any{}
	}
	severityCounts := map[string]int{}
	for _, issue := range auditResult.Issues {
		severityCounts[string(issue.Severity)]++
	}
	auditResult.Summary[summaryIssueCountKeyConstant] = len(auditResult.Issues)
	auditResult.Summary[summaryIssuesBySeverityKeyConstant] = severityCounts
}

func (service *Service) reportProgress(auditSession *audit.Session, auditResult *audit.Result, reportedError error) {
	if service.broadcaster == nil {
		return
	}
	broadcastError := service.broadcaster.ReportProgress(auditSession.ID, auditResult.AuditType, auditResult.Status, auditResult, reportedError)
	if broadcastError != nil {
		service.logger.Warn(
			broadcasterFailureMessageConstant,
			zap.String(logFieldAuditTypeConstant, string(auditResult.AuditType)),
			zap.Error(broadcastError),
		)
	}
}

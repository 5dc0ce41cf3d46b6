package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/session"
)

type frozenClock struct {
	currentTime time.Time
}

func (clock *frozenClock) Now() time.Time {
	clock.currentTime = clock.currentTime.Add(time.Second)
	return clock.currentTime
}

func newFrozenClock() *frozenClock {
	return &frozenClock{currentTime: time.Date(2026, time.May, 11, 14, 0, 0, 0, time.UTC)}
}

type memoryStore struct {
	storedSession   *audit.Session
	saveResultTypes []audit.Type
	recoveredCount  int
	loadError       error
	saveError       error
}

func (store *memoryStore) LoadLatestSession(executionContext context.Context) (*audit.Session, error) {
	if store.loadError != nil {
		return nil, store.loadError
	}
	return store.storedSession, nil
}

func (store *memoryStore) SaveSession(executionContext context.Context, auditSession *audit.Session) error {
	if store.saveError != nil {
		return store.saveError
	}
	store.storedSession = auditSession
	return nil
}

func (store *memoryStore) SaveResult(executionContext context.Context, auditSession *audit.Session, auditType audit.Type) error {
	if store.saveError != nil {
		return store.saveError
	}
	store.storedSession = auditSession
	store.saveResultTypes = append(store.saveResultTypes, auditType)
	return nil
}

func (store *memoryStore) RecoverInterruptedResults(executionContext context.Context, completedAt time.Time, errorMessage string) (int, error) {
	return store.recoveredCount, nil
}

type scriptedRunner struct {
	auditType       audit.Type
	configured      bool
	outcomes        map[string]orchestrator.StepOutcome
	correctionError error
	correctionCalls []string
}

func (runner *scriptedRunner) AuditType() audit.Type {
	return runner.auditType
}

func (runner *scriptedRunner) Configured() bool {
	return runner.configured
}

func (runner *scriptedRunner) NewRun() orchestrator.Run {
	return runner
}

func (runner *scriptedRunner) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	if outcome, found := runner.outcomes[stepID]; found {
		return outcome
	}
	return orchestrator.StepOutcome{Status: audit.StepStatusSuccess}
}

func (runner *scriptedRunner) ApplyCorrection(executionContext context.Context, actionID string) error {
	runner.correctionCalls = append(runner.correctionCalls, actionID)
	return runner.correctionError
}

type recordingBroadcaster struct {
	reportCount    int
	broadcastError error
}

func (broadcaster *recordingBroadcaster) ReportProgress(sessionID string, auditType audit.Type, status audit.StepStatus, result *audit.Result, reportedError error) error {
	broadcaster.reportCount++
	return broadcaster.broadcastError
}

func newTestService(testInstance *testing.T, store session.Store, runners ...orchestrator.Runner) *orchestrator.Service {
	testInstance.Helper()
	service, serviceError := orchestrator.NewService(orchestrator.Dependencies{
		Store:   store,
		Clock:   newFrozenClock(),
		Runners: runners,
	})
	require.NoError(testInstance, serviceError)
	return service
}

func TestNewServiceRequiresStore(testInstance *testing.T) {
	_, serviceError := orchestrator.NewService(orchestrator.Dependencies{})
	require.Error(testInstance, serviceError)
}

func TestStartAuditHappyPath(testInstance *testing.T) {
	store := &memoryStore{}
	broadcaster := &recordingBroadcaster{}
	runner := &scriptedRunner{
		auditType:  audit.TypeFeed,
		configured: true,
		outcomes: map[string]orchestrator.StepOutcome{
			"disapproval_scan": {
				Status: audit.StepStatusWarning,
				Result: map[string]any{"disapproved_count": 2},
			},
			"aggregate_issues": {
				Status: audit.StepStatusSuccess,
				Issues: []orchestrator.IssueDraft{
					{
						Severity:    audit.IssueSeverityMedium,
						Title:       "Feed items disapproved by the shopping platform",
						ActionID:    "resubmit-feed-items",
						ActionLabel: "Resubmit disapproved feed items",
					},
				},
				Summary: map[string]any{"disapproved_count": 2},
			},
		},
	}

	service, serviceError := orchestrator.NewService(orchestrator.Dependencies{
		Store:       store,
		Broadcaster: broadcaster,
		Clock:       newFrozenClock(),
		Runners:     []orchestrator.Runner{runner},
	})
	require.NoError(testInstance, serviceError)

	auditResult, startError := service.StartAudit(context.Background(), audit.TypeFeed)
	require.NoError(testInstance, startError)

	require.Equal(testInstance, audit.StepStatusWarning, auditResult.Status)
	require.NotNil(testInstance, auditResult.CompletedAt)
	for _, completedStep := range auditResult.Steps {
		require.NotNil(testInstance, completedStep.StartedAt)
		require.NotNil(testInstance, completedStep.CompletedAt)
		require.Equal(testInstance, completedStep.CompletedAt.Sub(*completedStep.StartedAt), *completedStep.Duration)
	}

	require.Len(testInstance, auditResult.Issues, 1)
	require.NotEmpty(testInstance, auditResult.Issues[0].ID)
	require.Equal(testInstance, audit.ActionStatusAvailable, auditResult.Issues[0].ActionStatus)

	require.Equal(testInstance, 1, auditResult.Summary["issue_count"])
	require.Equal(testInstance, 2, auditResult.Summary["disapproved_count"])

	// Progressive persistence: one write for initialization, two per executed
	// step, and one final write.
	expectedWriteCount := 1 + 2*len(auditResult.Steps) + 1
	require.Len(testInstance, store.saveResultTypes, expectedWriteCount)
	require.Equal(testInstance, expectedWriteCount, broadcaster.reportCount)
	require.Same(testInstance, auditResult, store.storedSession.Results[audit.TypeFeed])
}

func TestStartAuditGatePropagation(testInstance *testing.T) {
	store := &memoryStore{}
	runner := &scriptedRunner{
		auditType:  audit.TypeAnalytics,
		configured: false,
		outcomes: map[string]orchestrator.StepOutcome{
			"check_configuration": {
				Status:       audit.StepStatusError,
				ErrorMessage: "analytics backend is not configured",
				GateFailure:  true,
				Issues: []orchestrator.IssueDraft{
					{Severity: audit.IssueSeverityCritical, Title: "analytics backend not connected"},
				},
			},
		},
	}

	service := newTestService(testInstance, store, runner)
	auditResult, startError := service.StartAudit(context.Background(), audit.TypeAnalytics)
	require.NoError(testInstance, startError)

	require.Equal(testInstance, audit.StepStatusError, auditResult.Status)
	require.Equal(testInstance, audit.StepStatusError, auditResult.Steps[0].Status)
	for _, skippedStep := range auditResult.Steps[1:] {
		require.Equal(testInstance, audit.StepStatusSkipped, skippedStep.Status)
		require.Nil(testInstance, skippedStep.StartedAt)
		require.Nil(testInstance, skippedStep.Duration)
	}

	require.Len(testInstance, auditResult.Issues, 1)
	require.Equal(testInstance, audit.IssueSeverityCritical, auditResult.Issues[0].Severity)
	require.Equal(testInstance, audit.ActionStatusNotAvailable, auditResult.Issues[0].ActionStatus)
}

func TestStartAuditRejectsUnknownType(testInstance *testing.T) {
	service := newTestService(testInstance, &memoryStore{})
	_, startError := service.StartAudit(context.Background(), audit.Type("inventory"))
	require.Error(testInstance, startError)
}

func TestStartAuditMissingRunner(testInstance *testing.T) {
	service := newTestService(testInstance, &memoryStore{})
	_, startError := service.StartAudit(context.Background(), audit.TypePixel)

	var preconditionError *audit.PreconditionMissingError
	require.ErrorAs(testInstance, startError, &preconditionError)
}

func TestStartAuditPersistenceFailureSurfaces(testInstance *testing.T) {
	store := &memoryStore{saveError: errors.New("session store unreachable")}
	runner := &scriptedRunner{auditType: audit.TypeSearch, configured: true}
	service := newTestService(testInstance, store, runner)

	_, startError := service.StartAudit(context.Background(), audit.TypeSearch)
	require.Error(testInstance, startError)
	require.Contains(testInstance, startError.Error(), "session store unreachable")
}

func TestStartAuditSelectiveCacheInvalidation(testInstance *testing.T) {
	store := &memoryStore{}
	runner := &scriptedRunner{auditType: audit.TypeAnalytics, configured: true}
	service := newTestService(testInstance, store, runner)

	for _, platform := range []orchestrator.Platform{
		orchestrator.PlatformCommerce,
		orchestrator.PlatformAnalytics,
		orchestrator.PlatformPixel,
		orchestrator.PlatformFeed,
		orchestrator.PlatformSearch,
	} {
		service.Caches().CacheFor(platform).Set("warm", true)
	}

	_, startError := service.StartAudit(context.Background(), audit.TypeAnalytics)
	require.NoError(testInstance, startError)

	require.Zero(testInstance, service.Caches().CacheFor(orchestrator.PlatformAnalytics).Len())
	require.Zero(testInstance, service.Caches().CacheFor(orchestrator.PlatformCommerce).Len())
	require.Equal(testInstance, 1, service.Caches().CacheFor(orchestrator.PlatformPixel).Len())
	require.Equal(testInstance, 1, service.Caches().CacheFor(orchestrator.PlatformFeed).Len())
	require.Equal(testInstance, 1, service.Caches().CacheFor(orchestrator.PlatformSearch).Len())
}

func TestStartAuditBroadcasterFailuresSwallowed(testInstance *testing.T) {
	store := &memoryStore{}
	broadcaster := &recordingBroadcaster{broadcastError: errors.New("websocket closed")}
	runner := &scriptedRunner{auditType: audit.TypeSearch, configured: true}

	service, serviceError := orchestrator.NewService(orchestrator.Dependencies{
		Store:       store,
		Broadcaster: broadcaster,
		Clock:       newFrozenClock(),
		Runners:     []orchestrator.Runner{runner},
	})
	require.NoError(testInstance, serviceError)

	auditResult, startError := service.StartAudit(context.Background(), audit.TypeSearch)
	require.NoError(testInstance, startError)
	require.Equal(testInstance, audit.StepStatusSuccess, auditResult.Status)
	require.Positive(testInstance, broadcaster.reportCount)
}

func seedSessionWithIssue(clock audit.Clock, actionStatus audit.ActionStatus) (*audit.Session, *audit.Result) {
	auditSession := audit.NewSession(clock)
	auditResult := audit.NewResult(audit.TypeFeed, clock)
	auditResult.Issues = []audit.Issue{
		{
			ID:           "issue-1",
			Severity:     audit.IssueSeverityMedium,
			Title:        "Feed items disapproved by the shopping platform",
			ActionID:     "resubmit-feed-items",
			ActionStatus: actionStatus,
		},
	}
	auditSession.SetResult(auditResult, clock)
	return auditSession, auditResult
}

func TestExecuteActionCompletesOnSuccess(testInstance *testing.T) {
	clock := newFrozenClock()
	auditSession, _ := seedSessionWithIssue(clock, audit.ActionStatusAvailable)
	store := &memoryStore{storedSession: auditSession}
	runner := &scriptedRunner{auditType: audit.TypeFeed, configured: true}

	service := newTestService(testInstance, store, runner)
	executedIssue, executeError := service.ExecuteAction(context.Background(), audit.TypeFeed, "resubmit-feed-items")
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, audit.ActionStatusCompleted, executedIssue.ActionStatus)
	require.Equal(testInstance, []string{"resubmit-feed-items"}, runner.correctionCalls)
	require.NotEmpty(testInstance, store.saveResultTypes)
}

func TestExecuteActionRecordsFailure(testInstance *testing.T) {
	clock := newFrozenClock()
	auditSession, auditResult := seedSessionWithIssue(clock, audit.ActionStatusFailed)
	store := &memoryStore{storedSession: auditSession}
	runner := &scriptedRunner{
		auditType:       audit.TypeFeed,
		configured:      true,
		correctionError: errors.New("feed endpoint returned 502"),
	}

	service := newTestService(testInstance, store, runner)
	executedIssue, executeError := service.ExecuteAction(context.Background(), audit.TypeFeed, "resubmit-feed-items")
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, audit.ActionStatusFailed, executedIssue.ActionStatus)
	require.Equal(testInstance, "feed endpoint returned 502", executedIssue.ActionError)
	require.Equal(testInstance, audit.ActionStatusFailed, auditResult.Issues[0].ActionStatus)
}

func TestExecuteActionRejectsCompletedAction(testInstance *testing.T) {
	clock := newFrozenClock()
	auditSession, auditResult := seedSessionWithIssue(clock, audit.ActionStatusCompleted)
	store := &memoryStore{storedSession: auditSession}
	runner := &scriptedRunner{auditType: audit.TypeFeed, configured: true}

	service := newTestService(testInstance, store, runner)
	_, executeError := service.ExecuteAction(context.Background(), audit.TypeFeed, "resubmit-feed-items")
	require.ErrorIs(testInstance, executeError, audit.ErrActionNotAvailable)
	require.Equal(testInstance, audit.ActionStatusCompleted, auditResult.Issues[0].ActionStatus)
	require.Empty(testInstance, runner.correctionCalls)
}

func TestExecuteActionRejectsUnknownAction(testInstance *testing.T) {
	clock := newFrozenClock()
	auditSession, _ := seedSessionWithIssue(clock, audit.ActionStatusAvailable)
	store := &memoryStore{storedSession: auditSession}
	runner := &scriptedRunner{auditType: audit.TypeFeed, configured: true}

	service := newTestService(testInstance, store, runner)
	_, executeError := service.ExecuteAction(context.Background(), audit.TypeFeed, "request-indexing")
	require.ErrorIs(testInstance, executeError, audit.ErrActionNotAvailable)
}

func TestExecuteActionRejectsWithoutSession(testInstance *testing.T) {
	service := newTestService(testInstance, &memoryStore{})
	_, executeError := service.ExecuteAction(context.Background(), audit.TypeFeed, "resubmit-feed-items")
	require.ErrorIs(testInstance, executeError, audit.ErrActionNotAvailable)
}

func TestAvailableAudits(testInstance *testing.T) {
	clock := newFrozenClock()
	auditSession, auditResult := seedSessionWithIssue(clock, audit.ActionStatusAvailable)
	audit.FinalizeResult(auditResult, false, clock)
	store := &memoryStore{storedSession: auditSession}
	runner := &scriptedRunner{auditType: audit.TypeFeed, configured: true}

	service := newTestService(testInstance, store, runner)
	availabilities, availabilityError := service.AvailableAudits(context.Background())
	require.NoError(testInstance, availabilityError)
	require.Len(testInstance, availabilities, len(audit.Types()))

	byType := map[audit.Type]orchestrator.Availability{}
	for _, availability := range availabilities {
		byType[availability.AuditType] = availability
	}

	require.True(testInstance, byType[audit.TypeFeed].Configured)
	require.Equal(testInstance, 1, byType[audit.TypeFeed].IssueCount)
	require.NotNil(testInstance, byType[audit.TypeFeed].LastRunAt)
	require.False(testInstance, byType[audit.TypeAnalytics].Configured)
	require.Empty(testInstance, byType[audit.TypeAnalytics].LastStatus)
}

func TestLoadFailureReportedAsLoadError(testInstance *testing.T) {
	store := &memoryStore{loadError: errors.New("session store unreachable")}
	service := newTestService(testInstance, store)

	_, availabilityError := service.AvailableAudits(context.Background())
	require.Error(testInstance, availabilityError)
	require.Contains(testInstance, availabilityError.Error(), "failed to load session")
	require.NotContains(testInstance, availabilityError.Error(), "persist")

	_, sessionError := service.LatestSession(context.Background())
	require.Error(testInstance, sessionError)
	require.Contains(testInstance, sessionError.Error(), "failed to load session")
	require.NotContains(testInstance, sessionError.Error(), "persist")
}

func TestCleanupStaleRunningAudits(testInstance *testing.T) {
	store := &memoryStore{recoveredCount: 2}
	service := newTestService(testInstance, store)

	recoveredCount, cleanupError := service.CleanupStaleRunningAudits(context.Background())
	require.NoError(testInstance, cleanupError)
	require.Equal(testInstance, 2, recoveredCount)
}

type panickingRunner struct {
	scriptedRunner
}

func (runner *panickingRunner) NewRun() orchestrator.Run {
	return runner
}

func (runner *panickingRunner) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	panic("collaborator returned malformed payload")
}

func TestStartAuditNormalizesStepPanics(testInstance *testing.T) {
	store := &memoryStore{}
	runner := &panickingRunner{scriptedRunner{auditType: audit.TypeSearch, configured: true}}
	service := newTestService(testInstance, store, runner)

	auditResult, startError := service.StartAudit(context.Background(), audit.TypeSearch)
	require.NoError(testInstance, startError)
	require.Equal(testInstance, audit.StepStatusError, auditResult.Status)
	require.Contains(testInstance, auditResult.Steps[0].ErrorMessage, "crashed")
}

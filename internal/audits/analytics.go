package audits

import (
	"context"
	"fmt"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/reconcile"
)

const (
	analyticsCoverageIssueTitleConstant     = "Products missing from analytics tracking"
	analyticsCoverageIssueDescriptionFormat = "%d of %d store products are not tracked by the analytics backend."
	analyticsMatchIssueTitleConstant        = "Purchase events disagree with store orders"
	analyticsMatchIssueDescriptionConstant  = "The analytics backend reports fewer purchase events than the store recorded orders over the comparison window."
	analyticsEnableTrackingActionLabel      = "Enable purchase event tracking"
	analyticsSummaryCoverageRateKeyConstant = "product_coverage_rate"
	analyticsSummaryMatchRateKeyConstant    = "purchase_match_rate"
	stepIDCheckConfigurationConstant        = "check_configuration"
	stepIDProductCoverageConstant           = "product_coverage"
	stepIDPurchaseMatchConstant             = "purchase_match"
	stepIDAggregateIssuesConstant           = "aggregate_issues"
)

// AnalyticsRunner audits analytics tracking against the commerce backend.
type AnalyticsRunner struct {
	commerceSource  orchestrator.DataSource
	analyticsSource orchestrator.DataSource
}

// NewAnalyticsRunner constructs the analytics audit runner.
func NewAnalyticsRunner(commerceSource orchestrator.DataSource, analyticsSource orchestrator.DataSource) *AnalyticsRunner {
	return &AnalyticsRunner{commerceSource: commerceSource, analyticsSource: analyticsSource}
}

// AuditType identifies the workflow this runner drives.
func (runner *AnalyticsRunner) AuditType() audit.Type {
	return audit.TypeAnalytics
}

// Configured reports whether both collaborators are connected.
func (runner *AnalyticsRunner) Configured() bool {
	return sourceConfigured(runner.analyticsSource) && sourceConfigured(runner.commerceSource)
}

// NewRun builds the per-run state for one audit execution.
func (runner *AnalyticsRunner) NewRun() orchestrator.Run {
	return &analyticsRun{runner: runner}
}

// ApplyCorrection delegates the correction to the analytics backend.
func (runner *AnalyticsRunner) ApplyCorrection(executionContext context.Context, actionID string) error {
	if actionID != ActionEnablePurchaseTracking {
		return fmt.Errorf(unknownActionTemplateConstant, actionID)
	}
	if !sourceConfigured(runner.analyticsSource) {
		return fmt.Errorf(unconfiguredPlatformTemplate, orchestrator.PlatformAnalytics)
	}
	return runner.analyticsSource.ApplyCorrection(executionContext, actionID)
}

type analyticsRun struct {
	runner         *AnalyticsRunner
	coverageReport *reconcile.CoverageReport
	matchNumerator int
	matchDenom     int
	matchRate      float64
	matchStatus    audit.StepStatus
	matchComputed  bool
}

// ExecuteStep runs one step of the analytics audit by logical name.
func (run *analyticsRun) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	switch stepID {
	case stepIDCheckConfigurationConstant:
		return configurationGateOutcome(audit.TypeAnalytics, orchestrator.PlatformAnalytics, run.runner.analyticsSource, run.runner.commerceSource)
	case stepIDProductCoverageConstant:
		return run.executeProductCoverage(executionContext)
	case stepIDPurchaseMatchConstant:
		return run.executePurchaseMatch(executionContext)
	case stepIDAggregateIssuesConstant:
		return run.executeAggregateIssues()
	default:
		return unknownStepOutcome(stepID)
	}
}

func (run *analyticsRun) executeProductCoverage(executionContext context.Context) orchestrator.StepOutcome {
	sourceOfTruth, tracked, failureOutcome := fetchIdentifierSets(
		executionContext,
		run.runner.commerceSource, KindProductHandles,
		run.runner.analyticsSource, orchestrator.PlatformAnalytics, KindTrackedItems,
	)
	if failureOutcome != nil {
		return *failureOutcome
	}

	coverageReport := reconcile.Coverage(sourceOfTruth, tracked)
	run.coverageReport = &coverageReport
	return orchestrator.StepOutcome{
		Status: coverageReport.Status,
		Result: coverageResultPayload(coverageReport),
	}
}

func (run *analyticsRun) executePurchaseMatch(executionContext context.Context) orchestrator.StepOutcome {
	orderCount, orderError := run.runner.commerceSource.FetchCount(executionContext, KindOrders, MatchPeriodDays)
	if orderError != nil {
		return fetchFailureOutcome(KindOrders, orchestrator.PlatformCommerce, orderError)
	}
	purchaseEventCount, purchaseError := run.runner.analyticsSource.FetchCount(executionContext, KindPurchaseEvents, MatchPeriodDays)
	if purchaseError != nil {
		return fetchFailureOutcome(KindPurchaseEvents, orchestrator.PlatformAnalytics, purchaseError)
	}

	run.matchNumerator = purchaseEventCount
	run.matchDenom = orderCount
	run.matchRate = reconcile.MatchRate(purchaseEventCount, orderCount)
	run.matchStatus = reconcile.ClassifyRate(run.matchRate)
	run.matchComputed = true

	return orchestrator.StepOutcome{
		Status: run.matchStatus,
		Result: matchResultPayload(purchaseEventCount, orderCount, run.matchRate, run.matchStatus),
	}
}

func (run *analyticsRun) executeAggregateIssues() orchestrator.StepOutcome {
	var issueDrafts []orchestrator.IssueDraft
	summaryEntries := map[string]any{}

	if run.coverageReport != nil {
		summaryEntries[analyticsSummaryCoverageRateKeyConstant] = run.coverageReport.Rate
		if run.coverageReport.Status != audit.StepStatusSuccess {
			missingCount := run.coverageReport.Total - run.coverageReport.TrackedCount
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.coverageReport.Status),
				Title:       analyticsCoverageIssueTitleConstant,
				Description: fmt.Sprintf(analyticsCoverageIssueDescriptionFormat, missingCount, run.coverageReport.Total),
				Details:     run.coverageReport.Missing,
			})
		}
	}

	if run.matchComputed {
		summaryEntries[analyticsSummaryMatchRateKeyConstant] = run.matchRate
		if run.matchStatus != audit.StepStatusSuccess {
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.matchStatus),
				Title:       analyticsMatchIssueTitleConstant,
				Description: analyticsMatchIssueDescriptionConstant,
				Details: []string{
					fmt.Sprintf(matchRateIssueDetailTemplate, run.matchNumerator, run.matchDenom, run.matchRate),
				},
				ActionID:    ActionEnablePurchaseTracking,
				ActionLabel: analyticsEnableTrackingActionLabel,
			})
		}
	}

	return orchestrator.StepOutcome{
		Status:  audit.StepStatusSuccess,
		Result:  map[string]any{issueCountPayloadKeyConstant: len(issueDrafts)},
		Issues:  issueDrafts,
		Summary: summaryEntries,
	}
}

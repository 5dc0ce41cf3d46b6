package audits

import (
	"context"
	"fmt"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/reconcile"
)

const (
	stepIDDisapprovalScanConstant          = "disapproval_scan"
	feedCoverageIssueTitleConstant         = "Products missing from the shopping feed"
	feedCoverageIssueDescriptionFormat     = "%d of %d store products have not been submitted to the shopping feed."
	feedDisapprovalIssueTitleConstant      = "Feed items disapproved by the shopping platform"
	feedDisapprovalIssueDescriptionFormat  = "%d submitted feed items were rejected and are not serving."
	feedResubmitActionLabelConstant        = "Resubmit disapproved feed items"
	feedSummaryCoverageRateKeyConstant     = "feed_coverage_rate"
	feedSummaryDisapprovedCountKeyConstant = "disapproved_count"
)

// FeedRunner audits the shopping feed against the commerce backend.
type FeedRunner struct {
	commerceSource orchestrator.DataSource
	feedSource     orchestrator.DataSource
}

// NewFeedRunner constructs the shopping-feed audit runner.
func NewFeedRunner(commerceSource orchestrator.DataSource, feedSource orchestrator.DataSource) *FeedRunner {
	return &FeedRunner{commerceSource: commerceSource, feedSource: feedSource}
}

// AuditType identifies the workflow this runner drives.
func (runner *FeedRunner) AuditType() audit.Type {
	return audit.TypeFeed
}

// Configured reports whether both collaborators are connected.
func (runner *FeedRunner) Configured() bool {
	return sourceConfigured(runner.feedSource) && sourceConfigured(runner.commerceSource)
}

// NewRun builds the per-run state for one audit execution.
func (runner *FeedRunner) NewRun() orchestrator.Run {
	return &feedRun{runner: runner}
}

// ApplyCorrection delegates the resubmission to the feed backend.
func (runner *FeedRunner) ApplyCorrection(executionContext context.Context, actionID string) error {
	if actionID != ActionResubmitFeedItems {
		return fmt.Errorf(unknownActionTemplateConstant, actionID)
	}
	if !sourceConfigured(runner.feedSource) {
		return fmt.Errorf(unconfiguredPlatformTemplate, orchestrator.PlatformFeed)
	}
	return runner.feedSource.ApplyCorrection(executionContext, actionID)
}

type feedRun struct {
	runner           *FeedRunner
	coverageReport   *reconcile.CoverageReport
	disapprovedItems []string
	disapprovalsSeen bool
}

// ExecuteStep runs one step of the feed audit by logical name.
func (run *feedRun) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	switch stepID {
	case stepIDCheckConfigurationConstant:
		return configurationGateOutcome(audit.TypeFeed, orchestrator.PlatformFeed, run.runner.feedSource, run.runner.commerceSource)
	case stepIDProductCoverageConstant:
		return run.executeProductCoverage(executionContext)
	case stepIDDisapprovalScanConstant:
		return run.executeDisapprovalScan(executionContext)
	case stepIDAggregateIssuesConstant:
		return run.executeAggregateIssues()
	default:
		return unknownStepOutcome(stepID)
	}
}

func (run *feedRun) executeProductCoverage(executionContext context.Context) orchestrator.StepOutcome {
	sourceOfTruth, tracked, failureOutcome := fetchIdentifierSets(
		executionContext,
		run.runner.commerceSource, KindProductHandles,
		run.runner.feedSource, orchestrator.PlatformFeed, KindFeedItems,
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

func (run *feedRun) executeDisapprovalScan(executionContext context.Context) orchestrator.StepOutcome {
	disapprovedItems, fetchError := run.runner.feedSource.FetchIdentifierSet(executionContext, KindDisapprovedItems)
	if fetchError != nil {
		return fetchFailureOutcome(KindDisapprovedItems, orchestrator.PlatformFeed, fetchError)
	}

	run.disapprovedItems = disapprovedItems
	run.disapprovalsSeen = true

	stepStatus := audit.StepStatusSuccess
	if len(disapprovedItems) > 0 {
		stepStatus = audit.StepStatusWarning
	}
	resultPayload := map[string]any{disapprovedCountPayloadKey: len(disapprovedItems)}
	if len(disapprovedItems) > 0 {
		resultPayload[disapprovedItemsPayloadKey] = disapprovedItems
	}
	return orchestrator.StepOutcome{Status: stepStatus, Result: resultPayload}
}

func (run *feedRun) executeAggregateIssues() orchestrator.StepOutcome {
	var issueDrafts []orchestrator.IssueDraft
	summaryEntries := map[string]any{}

	if run.coverageReport != nil {
		summaryEntries[feedSummaryCoverageRateKeyConstant] = run.coverageReport.Rate
		if run.coverageReport.Status != audit.StepStatusSuccess {
			missingCount := run.coverageReport.Total - run.coverageReport.TrackedCount
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.coverageReport.Status),
				Title:       feedCoverageIssueTitleConstant,
				Description: fmt.Sprintf(feedCoverageIssueDescriptionFormat, missingCount, run.coverageReport.Total),
				Details:     run.coverageReport.Missing,
			})
		}
	}

	if run.disapprovalsSeen {
		summaryEntries[feedSummaryDisapprovedCountKeyConstant] = len(run.disapprovedItems)
		if len(run.disapprovedItems) > 0 {
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    audit.IssueSeverityMedium,
				Title:       feedDisapprovalIssueTitleConstant,
				Description: fmt.Sprintf(feedDisapprovalIssueDescriptionFormat, len(run.disapprovedItems)),
				Details:     run.disapprovedItems,
				ActionID:    ActionResubmitFeedItems,
				ActionLabel: feedResubmitActionLabelConstant,
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

package audits

import (
	"context"
	"fmt"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/reconcile"
)

const (
	stepIDPageCoverageConstant           = "page_coverage"
	searchCoverageIssueTitleConstant     = "Store pages missing from the search index"
	searchCoverageIssueDescriptionFormat = "%d of %d store pages are not present in the search index."
	searchRequestIndexingActionLabel     = "Request indexing of missing pages"
	searchSummaryCoverageRateKeyConstant = "page_coverage_rate"
)

// SearchRunner audits search-index coverage against the commerce backend.
type SearchRunner struct {
	commerceSource orchestrator.DataSource
	searchSource   orchestrator.DataSource
}

// NewSearchRunner constructs the search-indexing audit runner.
func NewSearchRunner(commerceSource orchestrator.DataSource, searchSource orchestrator.DataSource) *SearchRunner {
	return &SearchRunner{commerceSource: commerceSource, searchSource: searchSource}
}

// AuditType identifies the workflow this runner drives.
func (runner *SearchRunner) AuditType() audit.Type {
	return audit.TypeSearch
}

// Configured reports whether both collaborators are connected.
func (runner *SearchRunner) Configured() bool {
	return sourceConfigured(runner.searchSource) && sourceConfigured(runner.commerceSource)
}

// NewRun builds the per-run state for one audit execution.
func (runner *SearchRunner) NewRun() orchestrator.Run {
	return &searchRun{runner: runner}
}

// ApplyCorrection delegates the indexing request to the search backend.
func (runner *SearchRunner) ApplyCorrection(executionContext context.Context, actionID string) error {
	if actionID != ActionRequestIndexing {
		return fmt.Errorf(unknownActionTemplateConstant, actionID)
	}
	if !sourceConfigured(runner.searchSource) {
		return fmt.Errorf(unconfiguredPlatformTemplate, orchestrator.PlatformSearch)
	}
	return runner.searchSource.ApplyCorrection(executionContext, actionID)
}

type searchRun struct {
	runner         *SearchRunner
	coverageReport *reconcile.CoverageReport
}

// ExecuteStep runs one step of the search audit by logical name.
func (run *searchRun) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	switch stepID {
	case stepIDCheckConfigurationConstant:
		return configurationGateOutcome(audit.TypeSearch, orchestrator.PlatformSearch, run.runner.searchSource, run.runner.commerceSource)
	case stepIDPageCoverageConstant:
		return run.executePageCoverage(executionContext)
	case stepIDAggregateIssuesConstant:
		return run.executeAggregateIssues()
	default:
		return unknownStepOutcome(stepID)
	}
}

func (run *searchRun) executePageCoverage(executionContext context.Context) orchestrator.StepOutcome {
	sourceOfTruth, tracked, failureOutcome := fetchIdentifierSets(
		executionContext,
		run.runner.commerceSource, KindPageURLs,
		run.runner.searchSource, orchestrator.PlatformSearch, KindIndexedURLs,
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

func (run *searchRun) executeAggregateIssues() orchestrator.StepOutcome {
	var issueDrafts []orchestrator.IssueDraft
	summaryEntries := map[string]any{}

	if run.coverageReport != nil {
		summaryEntries[searchSummaryCoverageRateKeyConstant] = run.coverageReport.Rate
		if run.coverageReport.Status != audit.StepStatusSuccess {
			missingCount := run.coverageReport.Total - run.coverageReport.TrackedCount
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.coverageReport.Status),
				Title:       searchCoverageIssueTitleConstant,
				Description: fmt.Sprintf(searchCoverageIssueDescriptionFormat, missingCount, run.coverageReport.Total),
				Details:     run.coverageReport.Missing,
				ActionID:    ActionRequestIndexing,
				ActionLabel: searchRequestIndexingActionLabel,
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

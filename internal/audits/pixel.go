package audits

import (
	"context"
	"fmt"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/reconcile"
)

const (
	stepIDCatalogCoverageConstant       = "catalog_coverage"
	pixelCoverageIssueTitleConstant     = "Products missing from the pixel catalog"
	pixelCoverageIssueDescriptionFormat = "%d of %d store products are absent from the ad pixel catalog."
	pixelMatchIssueTitleConstant        = "Pixel purchase events disagree with store orders"
	pixelMatchIssueDescriptionConstant  = "The ad pixel reports fewer purchase events than the store recorded orders over the comparison window."
	pixelSyncCatalogActionLabel         = "Sync product catalog to the pixel"
	pixelSummaryCoverageRateKeyConstant = "catalog_coverage_rate"
	pixelSummaryMatchRateKeyConstant    = "purchase_match_rate"
)

// PixelRunner audits ad-pixel tracking against the commerce backend.
type PixelRunner struct {
	commerceSource orchestrator.DataSource
	pixelSource    orchestrator.DataSource
}

// NewPixelRunner constructs the ad-pixel audit runner.
func NewPixelRunner(commerceSource orchestrator.DataSource, pixelSource orchestrator.DataSource) *PixelRunner {
	return &PixelRunner{commerceSource: commerceSource, pixelSource: pixelSource}
}

// AuditType identifies the workflow this runner drives.
func (runner *PixelRunner) AuditType() audit.Type {
	return audit.TypePixel
}

// Configured reports whether both collaborators are connected.
func (runner *PixelRunner) Configured() bool {
	return sourceConfigured(runner.pixelSource) && sourceConfigured(runner.commerceSource)
}

// NewRun builds the per-run state for one audit execution.
func (runner *PixelRunner) NewRun() orchestrator.Run {
	return &pixelRun{runner: runner}
}

// ApplyCorrection delegates the catalog sync to the pixel backend.
func (runner *PixelRunner) ApplyCorrection(executionContext context.Context, actionID string) error {
	if actionID != ActionSyncProductCatalog {
		return fmt.Errorf(unknownActionTemplateConstant, actionID)
	}
	if !sourceConfigured(runner.pixelSource) {
		return fmt.Errorf(unconfiguredPlatformTemplate, orchestrator.PlatformPixel)
	}
	return runner.pixelSource.ApplyCorrection(executionContext, actionID)
}

type pixelRun struct {
	runner         *PixelRunner
	coverageReport *reconcile.CoverageReport
	matchNumerator int
	matchDenom     int
	matchRate      float64
	matchStatus    audit.StepStatus
	matchComputed  bool
}

// ExecuteStep runs one step of the pixel audit by logical name.
func (run *pixelRun) ExecuteStep(executionContext context.Context, stepID string) orchestrator.StepOutcome {
	switch stepID {
	case stepIDCheckConfigurationConstant:
		return configurationGateOutcome(audit.TypePixel, orchestrator.PlatformPixel, run.runner.pixelSource, run.runner.commerceSource)
	case stepIDCatalogCoverageConstant:
		return run.executeCatalogCoverage(executionContext)
	case stepIDPurchaseMatchConstant:
		return run.executePurchaseMatch(executionContext)
	case stepIDAggregateIssuesConstant:
		return run.executeAggregateIssues()
	default:
		return unknownStepOutcome(stepID)
	}
}

func (run *pixelRun) executeCatalogCoverage(executionContext context.Context) orchestrator.StepOutcome {
	sourceOfTruth, tracked, failureOutcome := fetchIdentifierSets(
		executionContext,
		run.runner.commerceSource, KindProductHandles,
		run.runner.pixelSource, orchestrator.PlatformPixel, KindCatalogItems,
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

func (run *pixelRun) executePurchaseMatch(executionContext context.Context) orchestrator.StepOutcome {
	orderCount, orderError := run.runner.commerceSource.FetchCount(executionContext, KindOrders, MatchPeriodDays)
	if orderError != nil {
		return fetchFailureOutcome(KindOrders, orchestrator.PlatformCommerce, orderError)
	}
	purchaseEventCount, purchaseError := run.runner.pixelSource.FetchCount(executionContext, KindPurchaseEvents, MatchPeriodDays)
	if purchaseError != nil {
		return fetchFailureOutcome(KindPurchaseEvents, orchestrator.PlatformPixel, purchaseError)
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

func (run *pixelRun) executeAggregateIssues() orchestrator.StepOutcome {
	var issueDrafts []orchestrator.IssueDraft
	summaryEntries := map[string]any{}

	if run.coverageReport != nil {
		summaryEntries[pixelSummaryCoverageRateKeyConstant] = run.coverageReport.Rate
		if run.coverageReport.Status != audit.StepStatusSuccess {
			missingCount := run.coverageReport.Total - run.coverageReport.TrackedCount
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.coverageReport.Status),
				Title:       pixelCoverageIssueTitleConstant,
				Description: fmt.Sprintf(pixelCoverageIssueDescriptionFormat, missingCount, run.coverageReport.Total),
				Details:     run.coverageReport.Missing,
				ActionID:    ActionSyncProductCatalog,
				ActionLabel: pixelSyncCatalogActionLabel,
			})
		}
	}

	if run.matchComputed {
		summaryEntries[pixelSummaryMatchRateKeyConstant] = run.matchRate
		if run.matchStatus != audit.StepStatusSuccess {
			issueDrafts = append(issueDrafts, orchestrator.IssueDraft{
				Severity:    severityForStatus(run.matchStatus),
				Title:       pixelMatchIssueTitleConstant,
				Description: pixelMatchIssueDescriptionConstant,
				Details: []string{
					fmt.Sprintf(matchRateIssueDetailTemplate, run.matchNumerator, run.matchDenom, run.matchRate),
				},
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

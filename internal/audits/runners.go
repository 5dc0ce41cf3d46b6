// Package audits implements the step runners for each audit type. A runner
// fetches identifier sets and counts from its platform collaborators,
// reconciles them through the shared comparison engine, and synthesizes
// actionable issues for the orchestrator.
package audits

import (
	"context"
	"fmt"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/reconcile"
)

// Identifier-set and count kinds requested from platform collaborators.
const (
	KindProductHandles   = "product_handles"
	KindTrackedItems     = "tracked_items"
	KindCatalogItems     = "catalog_items"
	KindFeedItems        = "feed_items"
	KindDisapprovedItems = "disapproved_items"
	KindPageURLs         = "page_urls"
	KindIndexedURLs      = "indexed_urls"
	KindOrders           = "orders"
	KindPurchaseEvents   = "purchase_events"
)

// Correction action identifiers surfaced on issues.
const (
	ActionEnablePurchaseTracking = "enable-purchase-tracking"
	ActionSyncProductCatalog     = "sync-product-catalog"
	ActionResubmitFeedItems      = "resubmit-feed-items"
	ActionRequestIndexing        = "request-indexing"
)

// MatchPeriodDays is the rolling window used for count comparisons.
const MatchPeriodDays = 30

const (
	unknownStepTemplateConstant    = "unknown step %s"
	unknownActionTemplateConstant  = "unknown correction action %s"
	unconfiguredPlatformTemplate   = "%s backend is not configured"
	fetchFailureTemplateConstant   = "failed to fetch %s from %s: %v"
	configuredPayloadKeyConstant   = "configured"
	ratePayloadKeyConstant         = "rate"
	totalPayloadKeyConstant        = "total"
	trackedCountPayloadKeyConstant = "tracked_count"
	missingPayloadKeyConstant      = "missing"
	statusPayloadKeyConstant       = "status"
	numeratorPayloadKeyConstant    = "numerator"
	denominatorPayloadKeyConstant  = "denominator"
	disapprovedCountPayloadKey     = "disapproved_count"
	disapprovedItemsPayloadKey     = "disapproved_items"
	issueCountPayloadKeyConstant   = "issue_count"
	unconfiguredIssueTitleTemplate = "%s backend not connected"
	unconfiguredIssueDescTemplate  = "The %s audit requires a connected %s backend; connect it and run the audit again."
	matchRateIssueDetailTemplate   = "%d events against %d expected (%.1f%% match)"
)

func severityForStatus(stepStatus audit.StepStatus) audit.IssueSeverity {
	switch stepStatus {
	case audit.StepStatusError:
		return audit.IssueSeverityHigh
	case audit.StepStatusWarning:
		return audit.IssueSeverityMedium
	default:
		return audit.IssueSeverityInfo
	}
}

func coverageResultPayload(report reconcile.CoverageReport) map[string]any {
	payload := map[string]any{
		totalPayloadKeyConstant:        report.Total,
		trackedCountPayloadKeyConstant: report.TrackedCount,
		ratePayloadKeyConstant:         report.Rate,
		statusPayloadKeyConstant:       string(report.Status),
	}
	if len(report.Missing) > 0 {
		payload[missingPayloadKeyConstant] = report.Missing
	}
	return payload
}

func matchResultPayload(numerator int, denominator int, matchRate float64, stepStatus audit.StepStatus) map[string]any {
	return map[string]any{
		numeratorPayloadKeyConstant:   numerator,
		denominatorPayloadKeyConstant: denominator,
		ratePayloadKeyConstant:        matchRate,
		statusPayloadKeyConstant:      string(stepStatus),
	}
}

func fetchFailureOutcome(kind string, platform orchestrator.Platform, fetchError error) orchestrator.StepOutcome {
	collaboratorError := &audit.CollaboratorFailureError{Collaborator: string(platform), Cause: fetchError}
	return orchestrator.StepOutcome{
		Status:       audit.StepStatusError,
		ErrorMessage: fmt.Sprintf(fetchFailureTemplateConstant, kind, platform, collaboratorError.Cause),
	}
}

func unknownStepOutcome(stepID string) orchestrator.StepOutcome {
	return orchestrator.StepOutcome{
		Status:       audit.StepStatusError,
		ErrorMessage: fmt.Sprintf(unknownStepTemplateConstant, stepID),
	}
}

func sourceConfigured(dataSource orchestrator.DataSource) bool {
	return dataSource != nil && dataSource.Configured()
}

// configurationGateOutcome implements the shared gate step: when either
// backend is missing the run cannot produce anything meaningful, so the gate
// fails the run and raises a critical issue.
func configurationGateOutcome(auditType audit.Type, platform orchestrator.Platform, platformSource orchestrator.DataSource, commerceSource orchestrator.DataSource) orchestrator.StepOutcome {
	missingPlatform := orchestrator.Platform("")
	switch {
	case !sourceConfigured(platformSource):
		missingPlatform = platform
	case !sourceConfigured(commerceSource):
		missingPlatform = orchestrator.PlatformCommerce
	}

	if len(missingPlatform) > 0 {
		return orchestrator.StepOutcome{
			Status:       audit.StepStatusError,
			ErrorMessage: fmt.Sprintf(unconfiguredPlatformTemplate, missingPlatform),
			GateFailure:  true,
			Issues: []orchestrator.IssueDraft{
				{
					Severity:    audit.IssueSeverityCritical,
					Title:       fmt.Sprintf(unconfiguredIssueTitleTemplate, missingPlatform),
					Description: fmt.Sprintf(unconfiguredIssueDescTemplate, auditType, missingPlatform),
				},
			},
		}
	}

	return orchestrator.StepOutcome{
		Status: audit.StepStatusSuccess,
		Result: map[string]any{configuredPayloadKeyConstant: true},
	}
}

func fetchIdentifierSets(executionContext context.Context, commerceSource orchestrator.DataSource, commerceKind string, platformSource orchestrator.DataSource, platform orchestrator.Platform, platformKind string) ([]string, []string, *orchestrator.StepOutcome) {
	sourceOfTruth, commerceError := commerceSource.FetchIdentifierSet(executionContext, commerceKind)
	if commerceError != nil {
		failureOutcome := fetchFailureOutcome(commerceKind, orchestrator.PlatformCommerce, commerceError)
		return nil, nil, &failureOutcome
	}
	tracked, platformError := platformSource.FetchIdentifierSet(executionContext, platformKind)
	if platformError != nil {
		failureOutcome := fetchFailureOutcome(platformKind, platform, platformError)
		return nil, nil, &failureOutcome
	}
	return sourceOfTruth, tracked, nil
}

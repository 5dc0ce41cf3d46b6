package reconcile

import (
	"sort"
	"strings"

	"github.com/tracklens/trackaudit/internal/audit"
)

const (
	// MissingSampleCap bounds how many missing identifiers a coverage
	// report retains; the total counts remain exact.
	MissingSampleCap = 20

	successRateThresholdConstant = 90.0
	warningRateThresholdConstant = 70.0
	fullCoverageRateConstant     = 100.0
)

// CoverageReport summarizes how much of a source-of-truth identifier set a
// secondary source tracks.
type CoverageReport struct {
	Total        int      `json:"total"`
	TrackedCount int      `json:"tracked_count"`
	Missing      []string `json:"missing,omitempty"`
	Rate         float64  `json:"rate"`
	Status       audit.StepStatus `json:"status"`
}

// Coverage compares the source-of-truth identifiers against the identifiers
// observed by a secondary source. Membership is case-insensitive. An empty
// source-of-truth set yields a zero rate by convention.
func Coverage(sourceOfTruth []string, tracked []string) CoverageReport {
	trackedLookup := make(map[string]struct{}, len(tracked))
	for _, trackedIdentifier := range tracked {
		trackedLookup[strings.ToLower(trackedIdentifier)] = struct{}{}
	}

	report := CoverageReport{Total: len(sourceOfTruth)}
	for _, identifier := range sourceOfTruth {
		if _, found := trackedLookup[strings.ToLower(identifier)]; found {
			report.TrackedCount++
			continue
		}
		if len(report.Missing) < MissingSampleCap {
			report.Missing = append(report.Missing, identifier)
		}
	}
	sort.Strings(report.Missing)

	if report.Total > 0 {
		report.Rate = fullCoverageRateConstant * float64(report.TrackedCount) / float64(report.Total)
	}
	report.Status = ClassifyRate(report.Rate)
	return report
}

// MatchRate relates two independently sourced counts expected to agree,
// expressed as a percentage. A zero denominator yields a zero rate by
// convention.
func MatchRate(numerator int, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return fullCoverageRateConstant * float64(numerator) / float64(denominator)
}

// ClassifyRate translates a percentage metric into a step status. This
// mapping is the single source of truth for every rate-derived status.
func ClassifyRate(rate float64) audit.StepStatus {
	switch {
	case rate >= successRateThresholdConstant:
		return audit.StepStatusSuccess
	case rate >= warningRateThresholdConstant:
		return audit.StepStatusWarning
	default:
		return audit.StepStatusError
	}
}

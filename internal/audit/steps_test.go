package audit_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracklens/trackaudit/internal/audit"
)

func TestStepDefinitionsCoverEveryAuditType(testInstance *testing.T) {
	for _, auditType := range audit.Types() {
		definitions := audit.StepDefinitions(auditType)
		require.NotEmpty(testInstance, definitions, "audit type %s", auditType)

		seenStepIdentifiers := map[string]struct{}{}
		for _, definition := range definitions {
			require.NotEmpty(testInstance, definition.ID)
			require.NotEmpty(testInstance, definition.Name)
			_, duplicated := seenStepIdentifiers[definition.ID]
			require.False(testInstance, duplicated, "duplicate step id %s", definition.ID)
			seenStepIdentifiers[definition.ID] = struct{}{}
		}

		require.Equal(testInstance, "check_configuration", definitions[0].ID)
		require.Equal(testInstance, "aggregate_issues", definitions[len(definitions)-1].ID)
	}
}

func TestStepDefinitionsReturnsCopies(testInstance *testing.T) {
	firstLookup := audit.StepDefinitions(audit.TypeFeed)
	firstLookup[0].ID = "mutated"
	secondLookup := audit.StepDefinitions(audit.TypeFeed)
	require.Equal(testInstance, "check_configuration", secondLookup[0].ID)
}

func TestNewResultPrefillsPendingSteps(testInstance *testing.T) {
	result := audit.NewResult(audit.TypePixel, nil)
	require.Equal(testInstance, audit.TypePixel, result.AuditType)
	require.Equal(testInstance, audit.StepStatusRunning, result.Status)
	require.NotEmpty(testInstance, result.ID)
	require.Len(testInstance, result.Steps, len(audit.StepDefinitions(audit.TypePixel)))

	for _, step := range result.Steps {
		require.Equal(testInstance, audit.StepStatusPending, step.Status)
		require.Nil(testInstance, step.StartedAt)
		require.Nil(testInstance, step.CompletedAt)
	}
}

func TestSessionSetResultTouchesTimestamp(testInstance *testing.T) {
	clock := newStepClock()
	session := audit.NewSession(clock)
	initialUpdatedAt := session.UpdatedAt

	result := audit.NewResult(audit.TypeSearch, clock)
	session.SetResult(result, clock)

	require.True(testInstance, session.UpdatedAt.After(initialUpdatedAt))
	require.Same(testInstance, result, session.Results[audit.TypeSearch])
	require.Len(testInstance, session.Results, 1)
}

func TestKnownType(testInstance *testing.T) {
	require.True(testInstance, audit.KnownType(audit.TypeAnalytics))
	require.False(testInstance, audit.KnownType(audit.Type("inventory")))
}

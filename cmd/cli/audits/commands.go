// Package audits assembles the Cobra commands that drive tracking audits:
// listing audit availability, running an audit, applying a correction action,
// and inspecting the persisted session.
package audits

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/utils"
)

const (
	listCommandUseConstant              = "audits"
	listCommandShortDescriptionConstant = "List audits and their readiness"
	listCommandLongDescription          = "audits reports, for every audit type, whether its platform backends are configured plus the outcome of the most recent run."
	runCommandUseConstant               = "run audit-type"
	runCommandShortDescriptionConstant  = "Run an audit end to end"
	runCommandLongDescription           = "run executes every diagnostic step of the named audit, persists progress after each step, and prints the resulting findings."
	fixCommandUseConstant               = "fix audit-type action-id"
	fixCommandShortDescriptionConstant  = "Apply a correction action from an audit finding"
	fixCommandLongDescription           = "fix applies the named correction action attached to an issue from the latest run of the given audit."
	sessionCommandUseConstant           = "session"
	sessionCommandShortDescription      = "Print the latest audit session"
	sessionCommandLongDescription       = "session prints the persisted audit session, including every stored result, as JSON."

	unknownAuditTypeTemplateConstant   = "unknown audit type %q; known types: %s"
	auditTypeSeparatorConstant         = ", "
	actionUnavailableTemplateConstant  = "action %s is not available to run; inspect the latest audit results with the session command"
	noSessionMessageConstant           = "no audit session recorded yet"
	sessionEncodeErrorTemplateConstant = "unable to encode session: %w"
	availabilityHeaderConstant         = "AUDIT\tCONFIGURED\tLAST STATUS\tLAST RUN\tISSUES"
	availabilityRowTemplateConstant    = "%s\t%t\t%s\t%s\t%d\n"
	availabilityNeverRanPlaceholder    = "-"
	runResultHeaderTemplateConstant    = "audit %s finished with status %s\n"
	runStepRowTemplateConstant         = "  [%s] %s\n"
	runStepErrorRowTemplateConstant    = "  [%s] %s: %s\n"
	runIssuesHeaderTemplateConstant    = "%d issue(s) found:\n"
	runIssueRowTemplateConstant        = "  (%s) %s\n"
	runIssueActionRowTemplateConstant  = "      action available: %s (%s)\n"
	fixCompletedTemplateConstant       = "action %s completed\n"
	fixFailedTemplateConstant          = "action %s failed: %s\n"
	timestampDisplayLayoutConstant     = time.RFC3339

	configurationSourceMessageConstant = "resolved audit configuration"
	logFieldConfigurationFileConstant  = "configuration_file"
)

// ListCommandBuilder assembles the audits listing command.
type ListCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	ServiceResolver       ServiceResolver
}

// Build constructs the audits command.
func (builder *ListCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   listCommandUseConstant,
		Short: listCommandShortDescriptionConstant,
		Long:  listCommandLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			handle, handleError := resolveService(command, builder.ServiceResolver, builder.ConfigurationProvider, builder.LoggerProvider)
			if handleError != nil {
				return handleError
			}
			defer func() { _ = handle.Close() }()

			availabilities, availabilityError := handle.service.AvailableAudits(command.Context())
			if availabilityError != nil {
				return availabilityError
			}

			fmt.Fprintln(command.OutOrStdout(), availabilityHeaderConstant)
			for _, availability := range availabilities {
				lastStatus := availabilityNeverRanPlaceholder
				if len(availability.LastStatus) > 0 {
					lastStatus = string(availability.LastStatus)
				}
				lastRun := availabilityNeverRanPlaceholder
				if availability.LastRunAt != nil {
					lastRun = availability.LastRunAt.Format(timestampDisplayLayoutConstant)
				}
				fmt.Fprintf(
					command.OutOrStdout(),
					availabilityRowTemplateConstant,
					availability.AuditType,
					availability.Configured,
					lastStatus,
					lastRun,
					availability.IssueCount,
				)
			}
			return nil
		},
	}
	return command, nil
}

// RunCommandBuilder assembles the run command.
type RunCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	ServiceResolver       ServiceResolver
}

// Build constructs the run command.
func (builder *RunCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   runCommandUseConstant,
		Short: runCommandShortDescriptionConstant,
		Long:  runCommandLongDescription,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			auditType, typeError := parseAuditType(arguments[0])
			if typeError != nil {
				return typeError
			}

			handle, handleError := resolveService(command, builder.ServiceResolver, builder.ConfigurationProvider, builder.LoggerProvider)
			if handleError != nil {
				return handleError
			}
			defer func() { _ = handle.Close() }()

			auditResult, runError := handle.service.StartAudit(command.Context(), auditType)
			if runError != nil {
				return runError
			}

			renderResult(command, auditResult)
			return nil
		},
	}
	return command, nil
}

// FixCommandBuilder assembles the fix command.
type FixCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	ServiceResolver       ServiceResolver
}

// Build constructs the fix command.
func (builder *FixCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   fixCommandUseConstant,
		Short: fixCommandShortDescriptionConstant,
		Long:  fixCommandLongDescription,
		Args:  cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, arguments []string) error {
			auditType, typeError := parseAuditType(arguments[0])
			if typeError != nil {
				return typeError
			}
			actionID := strings.TrimSpace(arguments[1])

			handle, handleError := resolveService(command, builder.ServiceResolver, builder.ConfigurationProvider, builder.LoggerProvider)
			if handleError != nil {
				return handleError
			}
			defer func() { _ = handle.Close() }()

			executedIssue, executeError := handle.service.ExecuteAction(command.Context(), auditType, actionID)
			if executeError != nil {
				if errors.Is(executeError, audit.ErrActionNotAvailable) {
					return fmt.Errorf(actionUnavailableTemplateConstant, actionID)
				}
				return executeError
			}

			if executedIssue.ActionStatus == audit.ActionStatusFailed {
				fmt.Fprintf(command.OutOrStdout(), fixFailedTemplateConstant, actionID, executedIssue.ActionError)
				return nil
			}
			fmt.Fprintf(command.OutOrStdout(), fixCompletedTemplateConstant, actionID)
			return nil
		},
	}
	return command, nil
}

// SessionCommandBuilder assembles the session command.
type SessionCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	ServiceResolver       ServiceResolver
}

// Build constructs the session command.
func (builder *SessionCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   sessionCommandUseConstant,
		Short: sessionCommandShortDescription,
		Long:  sessionCommandLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			handle, handleError := resolveService(command, builder.ServiceResolver, builder.ConfigurationProvider, builder.LoggerProvider)
			if handleError != nil {
				return handleError
			}
			defer func() { _ = handle.Close() }()

			auditSession, sessionError := handle.service.LatestSession(command.Context())
			if sessionError != nil {
				return sessionError
			}
			if auditSession == nil {
				fmt.Fprintln(command.OutOrStdout(), noSessionMessageConstant)
				return nil
			}

			encodedSession, encodeError := json.MarshalIndent(auditSession, "", "  ")
			if encodeError != nil {
				return fmt.Errorf(sessionEncodeErrorTemplateConstant, encodeError)
			}
			fmt.Fprintln(command.OutOrStdout(), string(encodedSession))
			return nil
		},
	}
	return command, nil
}

func resolveService(command *cobra.Command, serviceResolver ServiceResolver, configurationProvider func() CommandConfiguration, loggerProvider LoggerProvider) (*serviceHandle, error) {
	configuration := CommandConfiguration{}
	if configurationProvider != nil {
		configuration = configurationProvider()
	}

	logger := resolveLogger(loggerProvider)
	contextAccessor := utils.NewCommandContextAccessor()
	if configurationFilePath, pathAvailable := contextAccessor.ConfigurationFilePath(command.Context()); pathAvailable && len(configurationFilePath) > 0 {
		logger.Debug(configurationSourceMessageConstant, zap.String(logFieldConfigurationFileConstant, configurationFilePath))
	}

	resolver := serviceResolver
	if resolver == nil {
		resolver = buildService
	}
	return resolver(command.Context(), configuration, logger)
}

func parseAuditType(rawAuditType string) (audit.Type, error) {
	candidateType := audit.Type(strings.ToLower(strings.TrimSpace(rawAuditType)))
	if !audit.KnownType(candidateType) {
		knownTypeNames := make([]string, 0, len(audit.Types()))
		for _, knownType := range audit.Types() {
			knownTypeNames = append(knownTypeNames, string(knownType))
		}
		return "", fmt.Errorf(unknownAuditTypeTemplateConstant, rawAuditType, strings.Join(knownTypeNames, auditTypeSeparatorConstant))
	}
	return candidateType, nil
}

func renderResult(command *cobra.Command, auditResult *audit.Result) {
	fmt.Fprintf(command.OutOrStdout(), runResultHeaderTemplateConstant, auditResult.AuditType, auditResult.Status)
	for _, executedStep := range auditResult.Steps {
		if len(executedStep.ErrorMessage) > 0 {
			fmt.Fprintf(command.OutOrStdout(), runStepErrorRowTemplateConstant, executedStep.Status, executedStep.Name, executedStep.ErrorMessage)
			continue
		}
		fmt.Fprintf(command.OutOrStdout(), runStepRowTemplateConstant, executedStep.Status, executedStep.Name)
	}

	if len(auditResult.Issues) == 0 {
		return
	}
	fmt.Fprintf(command.OutOrStdout(), runIssuesHeaderTemplateConstant, len(auditResult.Issues))
	for _, foundIssue := range auditResult.Issues {
		fmt.Fprintf(command.OutOrStdout(), runIssueRowTemplateConstant, foundIssue.Severity, foundIssue.Title)
		if len(foundIssue.ActionID) > 0 && foundIssue.ActionStatus == audit.ActionStatusAvailable {
			fmt.Fprintf(command.OutOrStdout(), runIssueActionRowTemplateConstant, foundIssue.ActionID, foundIssue.ActionLabel)
		}
	}
}

package audit

import (
	"errors"
	"fmt"
	"time"
)

const (
	beginStepInvalidStatusTemplateConstant  = "step %s cannot begin from status %s"
	finishStepInvalidStatusTemplateConstant = "step %s cannot finish from status %s"
	finishStepNonTerminalTemplateConstant   = "step %s cannot finish with non-terminal status %s"
	finishStepMissingStartTemplateConstant  = "step %s has no recorded start time"
	actionUnknownTemplateConstant           = "no issue carries action %s"
	actionStatusNotRetriableTemplate        = "action %s is %s and cannot be started"
	actionNotRunningTemplateConstant        = "action %s is %s and cannot be completed"
)

// ErrActionNotAvailable reports an action invocation in a non-retriable state.
var ErrActionNotAvailable = errors.New("action not available")

// BeginStep transitions a pending step to running and records its start time.
func BeginStep(step *Step, clock Clock) error {
	if clock == nil {
		clock = SystemClock{}
	}
	if step.Status != StepStatusPending {
		return fmt.Errorf(beginStepInvalidStatusTemplateConstant, step.ID, step.Status)
	}

	startTime := clock.Now().UTC()
	step.Status = StepStatusRunning
	step.StartedAt = &startTime
	return nil
}

// FinishStep transitions a running step to a terminal status, recording the
// completion time and the duration relative to the recorded start time. The
// result payload is recorded only on non-error terminal states and the error
// message only on error.
func FinishStep(step *Step, terminalStatus StepStatus, resultPayload map[string]any, errorMessage string, clock Clock) error {
	if clock == nil {
		clock = SystemClock{}
	}
	if step.Status != StepStatusRunning {
		return fmt.Errorf(finishStepInvalidStatusTemplateConstant, step.ID, step.Status)
	}
	if !terminalStatus.Terminal() || terminalStatus == StepStatusSkipped {
		return fmt.Errorf(finishStepNonTerminalTemplateConstant, step.ID, terminalStatus)
	}
	if step.StartedAt == nil {
		return fmt.Errorf(finishStepMissingStartTemplateConstant, step.ID)
	}

	completionTime := clock.Now().UTC()
	stepDuration := completionTime.Sub(*step.StartedAt)

	step.Status = terminalStatus
	step.CompletedAt = &completionTime
	step.Duration = &stepDuration

	if terminalStatus == StepStatusError {
		step.Result = nil
		step.ErrorMessage = errorMessage
		return nil
	}

	step.Result = resultPayload
	step.ErrorMessage = ""
	return nil
}

// SkipRemainingSteps marks every step that has not yet started as skipped.
// Skipped steps carry no start time and no duration, modeling a fail-fast
// pipeline where a gate failure invalidates everything after it.
func SkipRemainingSteps(result *Result) {
	for stepIndex := range result.Steps {
		if result.Steps[stepIndex].Status == StepStatusPending {
			result.Steps[stepIndex].Status = StepStatusSkipped
		}
	}
}

// RollUpStatus derives the overall run status from the terminal step
// statuses. Error outranks Warning outranks Success; pending and skipped
// steps never contribute.
func RollUpStatus(steps []Step) StepStatus {
	overallStatus := StepStatusSuccess
	for _, step := range steps {
		switch step.Status {
		case StepStatusError:
			return StepStatusError
		case StepStatusWarning:
			overallStatus = StepStatusWarning
		}
	}
	return overallStatus
}

// FinalizeResult rolls the step statuses up into the overall status and
// stamps the completion time. Gate-failed runs are forced to error.
func FinalizeResult(result *Result, gateFailed bool, clock Clock) {
	if clock == nil {
		clock = SystemClock{}
	}
	result.Status = RollUpStatus(result.Steps)
	if gateFailed {
		result.Status = StepStatusError
	}
	completionTime := clock.Now().UTC()
	result.CompletedAt = &completionTime
}

// MarkInterrupted reconciles a result left running or pending by a process
// that died mid-run. Running steps finish as errors, pending steps are
// skipped, and the overall status is forced to error. The outcome of an
// interrupted run is unknown, so recovery is conservative and never guesses
// success.
func MarkInterrupted(result *Result, errorMessage string, completedAt time.Time) bool {
	if result.Status != StepStatusRunning && result.Status != StepStatusPending {
		return false
	}

	for stepIndex := range result.Steps {
		switch result.Steps[stepIndex].Status {
		case StepStatusRunning:
			completionTime := completedAt
			result.Steps[stepIndex].Status = StepStatusError
			result.Steps[stepIndex].ErrorMessage = errorMessage
			result.Steps[stepIndex].CompletedAt = &completionTime
			if result.Steps[stepIndex].StartedAt != nil {
				stepDuration := completionTime.Sub(*result.Steps[stepIndex].StartedAt)
				result.Steps[stepIndex].Duration = &stepDuration
			}
		case StepStatusPending:
			result.Steps[stepIndex].Status = StepStatusSkipped
		}
	}

	completionTime := completedAt
	result.Status = StepStatusError
	result.CompletedAt = &completionTime
	return true
}

// BeginAction transitions an issue's correction action to running. Only
// Available and Failed actions may start; every other state yields
// ErrActionNotAvailable without mutating the issue.
func BeginAction(issue *Issue, actionID string) error {
	if issue == nil || issue.ActionID != actionID {
		return fmt.Errorf("%w: "+actionUnknownTemplateConstant, ErrActionNotAvailable, actionID)
	}
	switch issue.ActionStatus {
	case ActionStatusAvailable, ActionStatusFailed:
		issue.ActionStatus = ActionStatusRunning
		issue.ActionError = ""
		return nil
	default:
		return fmt.Errorf("%w: "+actionStatusNotRetriableTemplate, ErrActionNotAvailable, actionID, issue.ActionStatus)
	}
}

// CompleteAction transitions a running action to completed.
func CompleteAction(issue *Issue) error {
	if issue.ActionStatus != ActionStatusRunning {
		return fmt.Errorf(actionNotRunningTemplateConstant, issue.ActionID, issue.ActionStatus)
	}
	issue.ActionStatus = ActionStatusCompleted
	issue.ActionError = ""
	return nil
}

// FailAction transitions a running action to failed with the provided message.
func FailAction(issue *Issue, errorMessage string) error {
	if issue.ActionStatus != ActionStatusRunning {
		return fmt.Errorf(actionNotRunningTemplateConstant, issue.ActionID, issue.ActionStatus)
	}
	issue.ActionStatus = ActionStatusFailed
	issue.ActionError = errorMessage
	return nil
}

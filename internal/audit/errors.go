package audit

import "fmt"

const (
	preconditionMissingTemplateConstant = "precondition missing: %s"
	collaboratorFailureTemplateConstant = "collaborator %s failed: %v"
)

// PreconditionMissingError reports that a required collaborator is not
// configured. A gate step finishing with this error skips the remainder of
// the run.
type PreconditionMissingError struct {
	Reason string
}

// Error describes the missing precondition.
func (preconditionError *PreconditionMissingError) Error() string {
	return fmt.Sprintf(preconditionMissingTemplateConstant, preconditionError.Reason)
}

// CollaboratorFailureError reports a network or API failure from a data
// source. The owning step finishes with error or warning depending on
// whether a partial result remains meaningful.
type CollaboratorFailureError struct {
	Collaborator string
	Cause        error
}

// Error describes the failing collaborator and the underlying cause.
func (collaboratorError *CollaboratorFailureError) Error() string {
	return fmt.Sprintf(collaboratorFailureTemplateConstant, collaboratorError.Collaborator, collaboratorError.Cause)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (collaboratorError *CollaboratorFailureError) Unwrap() error {
	return collaboratorError.Cause
}

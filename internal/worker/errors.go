package worker

import "fmt"

// CollaboratorError marks a terminal failure of an external
// collaborator (script model, speech backend). Redelivery cannot fix
// these, so the stage records the failure and acks.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

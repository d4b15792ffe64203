package emergency

import "errors"

// Errors returned by triage operations. Callers match them with errors.Is;
// most are wrapped with the offending id or field.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyAssigned   = errors.New("case already has an assigned doctor")
)

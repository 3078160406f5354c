package forms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrValidation     = errors.New("validation failed")
	ErrMergeConflict  = errors.New("merge conflict")
	ErrSubmission     = errors.New("submission failed")
	ErrInvalidPayload = errors.New("invalid snapshot payload")
)

// ValidationError is returned when a form cannot be completed because
// required fields have no value. Missing holds field IDs in template order.
type ValidationError struct {
	FormID  string
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) == 1 {
		return fmt.Sprintf("form %s: required field missing: %s", e.FormID, e.Missing[0])
	}
	return fmt.Sprintf("form %s: required fields missing: %s", e.FormID, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StateError reports an operation that is not allowed in the form's current
// status, such as an edit against a completed form.
type StateError struct {
	FormID string
	Status Status
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("form %s is %s: %s not allowed", e.FormID, e.Status, e.Op)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// MergeConflict records a field whose local value was replaced by a newer
// remote write. Conflicts are kept for observability and never fail a merge.
type MergeConflict struct {
	FormID         string    `json:"formId"`
	Key            string    `json:"key"`
	LocalModified  time.Time `json:"localModified"`
	RemoteModified time.Time `json:"remoteModified"`
}

func (c MergeConflict) Error() string {
	return fmt.Sprintf("form %s: field %s diverged, remote write won", c.FormID, c.Key)
}

func (c MergeConflict) Is(target error) bool {
	return target == ErrMergeConflict
}

// SubmissionError wraps a failed remote acknowledgement of a completed form.
type SubmissionError struct {
	FormID string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit form %s: %v", e.FormID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}

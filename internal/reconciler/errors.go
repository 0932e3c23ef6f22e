package reconciler

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed fact. Such facts are dropped and never retried.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s fact: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError reports that the registry could not be read or written.
// The fact was not applied; retrying is the caller's decision.
type StorageError struct {
	Kind      Kind
	MeetingID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("apply %s for meeting %s: %v", e.Kind, e.MeetingID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

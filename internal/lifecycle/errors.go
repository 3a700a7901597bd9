package lifecycle

import (
	"errors"
	"fmt"

	"github.com/loykin/bridgectl/pkg/client"
)

var (
	// ErrAlreadyInProgress is returned when an operation for the id is already
	// underway or its goal is already reached. It is a notice, not a failure.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrInvalidState is returned when the id's current state forbids the operation.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrConfirmationRequired is returned when deleting a running configuration without confirmation.
	ErrConfirmationRequired = errors.New("confirmation required to delete a running configuration")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lifecycle controller closed")
)

// ValidationError reports a malformed configuration, detected before any network call.
type ValidationError struct {
	ConfigID string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration %s is invalid: %v", e.ConfigID, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a configuration unknown locally or to the remote service.
type NotFoundError struct {
	ConfigID string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("configuration %s not found: %v", e.ConfigID, e.Err)
}
func (e *NotFoundError) Unwrap() error { return e.Err }

// TransportError reports a failed remote command. Kind carries the
// classification made by the gateway.
type TransportError struct {
	ConfigID string
	Op       string
	Kind     client.ErrorKind
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, e.ConfigID, e.Kind, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// VerificationFailure reports a stop that was accepted but never confirmed.
// The configuration is left Running.
type VerificationFailure struct {
	ConfigID string
	Attempts int
	Err      error // last poll error or interruption cause, may be nil
}

func (e *VerificationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stop of %s not confirmed after %d attempts: %v", e.ConfigID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("stop of %s not confirmed after %d attempts", e.ConfigID, e.Attempts)
}
func (e *VerificationFailure) Unwrap() error { return e.Err }

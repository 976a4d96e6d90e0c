package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is the sentinel behind TransportError.
	ErrTransport = errors.New("transport error")

	// ErrPersistence is the sentinel behind PersistenceError.
	ErrPersistence = errors.New("persistence error")

	// ErrValidation is the sentinel behind ValidationError.
	ErrValidation = errors.New("validation error")

	// ErrChannelNotFound is returned by stores for unknown channel ids.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrSessionClosed is returned when a session is used after its connection went away.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidTransition is returned for session operations not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// TransportError reports that a connection could not be established or was lost.
// It is surfaced to the caller; the core never retries on its own.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e TransportError) Error() string {
	if e.Err == nil {
		return ErrTransport.Error()
	}
	return fmt.Sprintf("%s: %v", ErrTransport.Error(), e.Err)
}

func (e TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// PersistenceError reports that a message could not be durably appended.
// Nothing was broadcast; the caller should retry the submission.
type PersistenceError struct {
	ChannelID ChannelID
	Err       error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: channel %d: %v", ErrPersistence.Error(), e.ChannelID, e.Err)
}

func (e PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ValidationError rejects a malformed payload before it reaches history or roster.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownInstance: the identifier was never issued or is already closed.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidInstance: the factory could not construct an environment.
	ErrInvalidInstance = errors.New("invalid instance")
)

// Error is a client-visible registry error. Message is safe to return to
// callers verbatim; Kind is one of the sentinel errors above.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unknownInstance(instanceID string) error {
	return &Error{Kind: ErrUnknownInstance, Message: fmt.Sprintf("Instance_id %s unknown", instanceID)}
}

func invalidInstance(instanceID string, cause error) error {
	return &Error{
		Kind:    ErrInvalidInstance,
		Message: fmt.Sprintf("Attempted to look up malformed environment ID '%s'", instanceID),
		Err:     cause,
	}
}

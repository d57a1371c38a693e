package status

import (
	"errors"
	"fmt"
)

const (
	// NotFound indicates that the object wasn't found in the store
	NotFound Type = 1

	// AlreadyExists indicates that an object with the same identity already exists in the store
	AlreadyExists Type = 2

	// InvalidTransition indicates that a requested status transition is not allowed by the update state machine
	InvalidTransition Type = 3

	// InvalidArgument indicates some generic invalid argument error
	InvalidArgument Type = 4

	// PreconditionFailed indicates that some pre-condition for the operation hasn't been fulfilled
	PreconditionFailed Type = 5

	// Internal indicates some generic internal error
	Internal Type = 6
)

// Type is a type of the Error
type Type int32

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// NewUpdateNotFoundError creates a new Error with NotFound type for a missing update
func NewUpdateNotFoundError(updateID string) error {
	return Errorf(NotFound, "update not found: %s", updateID)
}

// NewDuplicateUpdateError creates a new Error with AlreadyExists type for an update id collision
func NewDuplicateUpdateError(updateID string) error {
	return Errorf(AlreadyExists, "update already exists: %s", updateID)
}

// NewInvalidTransitionError creates a new Error with InvalidTransition type
func NewInvalidTransitionError(updateID string, from, to fmt.Stringer) error {
	return Errorf(InvalidTransition, "update %s: illegal status transition %s -> %s", updateID, from, to)
}

// Package app holds the application-layer contracts shared by every command
// handler: the request context, the error taxonomy, and the dependency ports.
package app

import "fmt"

// ErrorKind classifies every failure a command handler can surface.
// The set is closed; switch statements over it should not have a default
// that swallows new kinds.
type ErrorKind string

const (
	// KindForbidden means the authorization port denied the action.
	KindForbidden ErrorKind = "Forbidden"
	// KindValidationFailed means the input was malformed, caught before any I/O.
	KindValidationFailed ErrorKind = "ValidationFailed"
	// KindNotFound means a referenced aggregate does not exist.
	KindNotFound ErrorKind = "NotFound"
	// KindConflict means an invariant guard rejected the command or a
	// uniqueness constraint lost a race.
	KindConflict ErrorKind = "Conflict"
	// KindDependencyFailure means a required collaborator (clock, id
	// generator, storage) returned an unusable value or failed.
	KindDependencyFailure ErrorKind = "DependencyFailure"
)

// Error is the typed result value returned from command handlers.
// It is a value, not an exception: handlers never panic across their
// public entry points.
type Error struct {
	Kind     ErrorKind
	Message  string
	Resource string // set for NotFound
	Action   string // set for Forbidden
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is matching on the kind via sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Forbidden builds a Forbidden error for the given action.
func Forbidden(action, message string) *Error {
	return &Error{Kind: KindForbidden, Action: action, Message: message}
}

// ValidationFailed builds a ValidationFailed error.
func ValidationFailed(message string) *Error {
	return &Error{Kind: KindValidationFailed, Message: message}
}

// NotFound builds a NotFound error for the given resource.
func NotFound(resource, message string) *Error {
	return &Error{Kind: KindNotFound, Resource: resource, Message: message}
}

// Conflict builds a Conflict error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// DependencyFailure builds a DependencyFailure error.
func DependencyFailure(message string) *Error {
	return &Error{Kind: KindDependencyFailure, Message: message}
}

// KindOf extracts the ErrorKind from err, or DependencyFailure when err is
// not an *Error (infrastructure errors default to the dependency bucket).
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindDependencyFailure
}

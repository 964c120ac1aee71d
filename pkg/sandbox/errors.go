package sandbox

import (
	"fmt"
	"time"
)

// Failure categories for RuntimeError, derived from the originating engine
// exception.
const (
	CategoryType      = "type"
	CategoryReference = "reference"
	CategorySyntax    = "syntax"
	CategoryOther     = "other"
)

// NotFoundError reports an unknown tool name or one with empty source text.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Tool)
}

// InvalidArgumentsError reports a missing or non-object arguments value.
type InvalidArgumentsError struct {
	Tool   string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}

// TimeoutError reports that execution exceeded the configured bound. The
// abandoned unit keeps running until its next interrupt check; its result is
// discarded.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// SerializationError reports a result value that cannot be serialized for
// transport to the model (e.g. a circular self-reference).
type SerializationError struct {
	Tool string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("tool %q produced an unserializable result: %v", e.Tool, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// RuntimeError is a generic failure inside the unit's own logic, classified
// by the originating exception category (type, reference, syntax, other).
type RuntimeError struct {
	Tool     string
	Category string
	Err      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("tool %q failed (%s error): %v", e.Tool, e.Category, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

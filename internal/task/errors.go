package task

import "fmt"

// ErrorKind classifies an orchestration failure.
type ErrorKind string

const (
	ErrKindRouting       ErrorKind = "routing"
	ErrKindDuplicateTask ErrorKind = "duplicate_task"
	ErrKindExecution     ErrorKind = "execution"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindCommunication ErrorKind = "communication"
	ErrKindConflict      ErrorKind = "conflict"
	ErrKindCapability    ErrorKind = "capability"
)

// Error is a classified task failure, recorded on the attempt's Result.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a classified task error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from any error, wrapping unclassified errors
// as execution failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}
	return &Error{Kind: ErrKindExecution, Message: err.Error()}
}

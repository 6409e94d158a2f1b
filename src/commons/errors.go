package commons

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind string

const (
	ValidationError        ErrorKind = "ValidationError"
	NotReadyError          ErrorKind = "NotReadyError"
	NotInitializedError    ErrorKind = "NotInitializedError"
	DimensionMismatchError ErrorKind = "DimensionMismatchError"
	ExtractionError        ErrorKind = "ExtractionError"
	InitializationError    ErrorKind = "InitializationError"
	PredictionError        ErrorKind = "PredictionError"
	EncodingError          ErrorKind = "EncodingError"
	NotFoundError          ErrorKind = "NotFoundError"

	// UnknownError is reported for errors that never went through this package.
	UnknownError ErrorKind = "UnknownError"
)

// Error is the error type shared by all components. Kind is what the
// HTTP layer reports to the client, Err keeps the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. If err already carries a kind, the
// outer kind wins.
func Wrap(kind ErrorKind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: errors.WithStack(err)}
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

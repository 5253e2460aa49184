package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to status codes.
type ErrorKind string

const (
	KindRuleCompilation ErrorKind = "rule_compilation"
	KindEvaluation      ErrorKind = "evaluation"
	KindGeneration      ErrorKind = "generation"
	KindIngestion       ErrorKind = "ingestion"
	KindSessionConflict ErrorKind = "session_conflict"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindNotFound        ErrorKind = "not_found"
	KindUnavailable     ErrorKind = "unavailable"
)

// AppError wraps an operation, its kind, a human-facing message, and the underlying error.
type AppError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(kind ErrorKind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the first AppError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindTransaction ErrorKind = "transaction"
	KindForbidden   ErrorKind = "forbidden"
)

// Error is the structured failure returned by the engine. Any Error matches
// the Err* kind sentinels below under errors.Is.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`

	kindOnly bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.kindOnly {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation failed", kindOnly: true}
	ErrNotFound    = &Error{Kind: KindNotFound, Message: "not found", kindOnly: true}
	ErrConflict    = &Error{Kind: KindConflict, Message: "conflict", kindOnly: true}
	ErrTransaction = &Error{Kind: KindTransaction, Message: "transaction failed", kindOnly: true}
	ErrForbidden   = &Error{Kind: KindForbidden, Message: "forbidden", kindOnly: true}
)

func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func ConflictError(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func ForbiddenError(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func TransactionError(message string, err error) error {
	return &Error{Kind: KindTransaction, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries no classification.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}

// AsTransactionError keeps classified errors untouched and wraps anything
// else (driver failures, commit errors) as a transaction failure.
func AsTransactionError(message string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return TransactionError(message, err)
}

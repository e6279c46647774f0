// Package apperror defines the error taxonomy shared by every layer.
//
// Callers classify errors with errors.Is against the sentinels below; the
// *AppError wrapper carries the human-readable message that ends up in logs,
// HTTP responses and push rejections.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// ErrParse marks malformed registry or note data.
	ErrParse = errors.New("parse error")
	// ErrConcurrentUpdate marks a lost compare-and-swap on a ref. Retryable.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrIO marks an unreachable or failing repository/directory backend.
	ErrIO = errors.New("io error")
	// ErrPolicyViolation is a commit rejected by the service user policy.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrInternal is an unexpected failure while evaluating a policy.
	ErrInternal = errors.New("internal error")
)

type AppError struct {
	Err     error  // sentinel used for classification
	Message string // human-readable message
	Field   string // optional: field causing the error
	Cause   error  // optional: underlying failure, kept for logs
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Parse reports malformed stored data, e.g. a registry blob gcfg cannot read.
func Parse(what string, cause error) *AppError {
	return &AppError{
		Err:     ErrParse,
		Message: fmt.Sprintf("malformed %s", what),
		Cause:   cause,
	}
}

// ConcurrentUpdate reports that ref moved between read and compare-and-swap.
func ConcurrentUpdate(ref string) *AppError {
	return &AppError{
		Err:     ErrConcurrentUpdate,
		Message: fmt.Sprintf("%s was updated concurrently", ref),
	}
}

// IO wraps a transport or storage failure.
func IO(op string, cause error) *AppError {
	msg := op
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	return &AppError{
		Err:     ErrIO,
		Message: msg,
		Cause:   cause,
	}
}

// PolicyViolation is shown verbatim to the user whose push is rejected.
func PolicyViolation(message string) *AppError {
	return &AppError{
		Err:     ErrPolicyViolation,
		Message: message,
	}
}

// Internal is also shown to the pusher, so message must not leak details;
// the cause is only for logs.
func Internal(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: message,
		Cause:   cause,
	}
}

// Package errors classifies pipeline and store failures into the codes the
// courier API answers with.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is the category of an AppError. It picks the HTTP status.
type ErrorCode string

const (
	ErrCodeNotFound    ErrorCode = "not_found"
	ErrCodeConflict    ErrorCode = "conflict"
	ErrCodeValidation  ErrorCode = "validation"
	ErrCodeForeignKey  ErrorCode = "foreign_key"
	ErrCodeUnavailable ErrorCode = "unavailable"
	ErrCodeInternal    ErrorCode = "internal"
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeCanceled    ErrorCode = "canceled"
)

// AppError is a classified failure. Reason is the machine readable name put
// in the response body; it defaults to the code.
type AppError struct {
	Code    ErrorCode
	Reason  string
	Message string
	Field   string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorReason returns Reason, or the code when no reason was set.
func (e *AppError) ErrorReason() string {
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Code)
}

// Rule maps a sentinel error to a code. The wrapped error's own text becomes
// the message, so callers see which recipient or backend was at fault.
type Rule struct {
	Target error
	Code   ErrorCode
	Reason string
}

// Classifier matches errors against domain rules first and falls back to
// MapDBError for whatever escaped the store.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a Classifier that checks rules in order.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Classify returns the AppError for err, or nil when err is nil or nothing
// recognises it.
func (c *Classifier) Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	for _, r := range c.rules {
		if errors.Is(err, r.Target) {
			return &AppError{Code: r.Code, Reason: r.Reason, Message: err.Error(), Cause: err}
		}
	}
	var appErr *AppError
	if errors.As(MapDBError(err), &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code carried by err, or "" when err is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

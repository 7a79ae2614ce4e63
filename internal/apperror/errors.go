package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Kind classifies an error for status mapping and logging decisions
type Kind string

const (
	KindMissingSection         Kind = "MissingSection"
	KindMissingField           Kind = "MissingField"
	KindMalformedBody          Kind = "MalformedBody"
	KindCollaboratorFailure    Kind = "CollaboratorFailure"
	KindConditionalCheckFailed Kind = "ConditionalCheckFailed"
	KindInternal               Kind = "Internal"
)

// Error is an error with a kind, an HTTP status and optional details
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Op         string // Collaborator operation that failed, e.g. "dynamodb.PutItem"
	Details    any    // Decoded downstream payload, when there is one
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LogFields returns the structured fields recorded for this error
func (e *Error) LogFields() logrus.Fields {
	fields := logrus.Fields{
		"kind":       string(e.Kind),
		"statusCode": e.StatusCode,
		"message":    e.Message,
	}
	if e.Op != "" {
		fields["operation"] = e.Op
	}
	if e.Details != nil {
		fields["details"] = e.Details
	}
	if e.Err != nil {
		fields["cause"] = e.Err.Error()
	}
	return fields
}

// MissingSection reports that the headers or the body are entirely absent
func MissingSection(message string) *Error {
	return &Error{Kind: KindMissingSection, StatusCode: http.StatusBadRequest, Message: message}
}

// MissingField reports that a required field is absent or empty
func MissingField(field string) *Error {
	return &Error{Kind: KindMissingField, StatusCode: http.StatusBadRequest, Message: field + " is required"}
}

// MalformedBody reports a request body that could not be decoded
func MalformedBody(err error) *Error {
	return &Error{Kind: KindMalformedBody, StatusCode: http.StatusBadRequest, Message: "Request body is not valid JSON", Err: err}
}

// CollaboratorFailure reports a failed call to a downstream service
func CollaboratorFailure(op string, statusCode int, message string, err error) *Error {
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	return &Error{Kind: KindCollaboratorFailure, StatusCode: statusCode, Message: message, Op: op, Err: err}
}

// ConditionalCheckFailed reports an optimistic-concurrency conflict in the store
func ConditionalCheckFailed(op string, err error) *Error {
	return &Error{Kind: KindConditionalCheckFailed, StatusCode: http.StatusConflict, Message: "conditional check failed", Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for errors of unknown origin
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// StatusCode returns the HTTP status carried by err, defaulting to 500
func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsConditionalCheckFailed returns true for expected store conflicts
func IsConditionalCheckFailed(err error) bool {
	return KindOf(err) == KindConditionalCheckFailed
}

// IsValidation returns true for errors raised before handler logic runs
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindMissingSection, KindMissingField, KindMalformedBody:
		return true
	}
	return false
}

// Code returns the error code exposed to API callers
func Code(err error) string {
	if IsValidation(err) {
		return "InvalidParameterException"
	}
	return string(KindOf(err))
}

// Message returns the caller-facing message of err
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

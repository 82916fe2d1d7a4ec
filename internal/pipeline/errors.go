package pipeline

import (
	"errors"
	"fmt"
)

// Fixed error messages shown to callers.
const (
	MsgInsufficientDreamText  = "insufficient dream text"
	MsgReflectionRequired     = "note and mood are required for reflection"
	MsgDiaryTextRequired      = "text required for diary"
	MsgDiaryFinished          = "diary conversation already finished"
	MsgChatMessageRequired    = "message required for chat"
	MsgPendingSessionNotFound = "pending session not found or expired"
	MsgAIResponseMalformed    = "AI response malformed"
	MsgAIUnavailable          = "AI service unavailable"
	MsgNotEnoughActivity      = "not enough activity for analysis"
	MsgOnboardingRequired     = "nickname or answers required for onboarding"
	MsgRequestFailed          = "request processing failed"
)

// ValidationError reports a problem with caller input or with model output
// the pipeline cannot safely interpret. Its message is shown to the caller.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Err: cause}
}

// DatabaseError reports a persistence failure. Its message carries the
// underlying error.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// NewDatabaseError creates a DatabaseError for operation op.
func NewDatabaseError(op string, err error) *DatabaseError {
	return &DatabaseError{Op: op, Err: err}
}

// APIError is the generic failure returned for anything unclassified. Its
// message never includes the cause.
type APIError struct {
	Message string
	Err     error
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsDatabase reports whether err is or wraps a DatabaseError.
func IsDatabase(err error) bool {
	var d *DatabaseError
	return errors.As(err, &d)
}

// classify lets ValidationError and DatabaseError through unchanged and
// hides everything else behind an APIError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return v
	}
	var d *DatabaseError
	if errors.As(err, &d) {
		return d
	}
	var a *APIError
	if errors.As(err, &a) {
		return a
	}
	return &APIError{Message: MsgRequestFailed, Err: err}
}

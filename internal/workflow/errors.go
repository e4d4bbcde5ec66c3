package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine rejections. Both codes are caller errors:
// the engine performs no state change and expects the caller to surface an
// actionable message to the human approver.
type ErrorCode string

const (
	// ErrCodeStageMismatch means the action targeted a stage whose turn has
	// not arrived, has already been decided, or whose workflow is halted by
	// an earlier rejection or a cancellation.
	ErrCodeStageMismatch ErrorCode = "STAGE_MISMATCH"
	// ErrCodeInvalidAction means the action is not a valid decision for the
	// target stage (e.g. plain approval on the terminal stage).
	ErrCodeInvalidAction ErrorCode = "INVALID_ACTION"
)

// Error is a workflow engine rejection.
type Error struct {
	Code    ErrorCode
	Stage   Stage
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func stageMismatch(stage Stage, format string, args ...any) *Error {
	return &Error{Code: ErrCodeStageMismatch, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

func invalidAction(stage Stage, format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidAction, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// IsStageMismatch reports whether err is a stage mismatch rejection.
func IsStageMismatch(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeStageMismatch
}

// IsInvalidAction reports whether err is an invalid action rejection.
func IsInvalidAction(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeInvalidAction
}

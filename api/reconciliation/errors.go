package reconciliation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind is the machine-readable classification of an engine error.
type ErrorKind string

const (
	ErrNotFound     ErrorKind = "not_found"
	ErrConflict     ErrorKind = "conflict"
	ErrInvalidState ErrorKind = "invalid_state_transition"
	ErrValidation   ErrorKind = "validation_error"
)

// Error is the structured error returned by every engine operation. Kind is
// stable for callers; Message is for humans. BlockingSessionID is set on
// open conflicts, Difference on rejected finalizes.
type Error struct {
	Kind              ErrorKind        `json:"kind"`
	Message           string           `json:"message"`
	BlockingSessionID string           `json:"blocking_session_id,omitempty"`
	Difference        *decimal.Decimal `json:"difference,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func notFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictf(blockingID, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...), BlockingSessionID: blockingID}
}

func invalidStatef(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInvalidState, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the engine error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

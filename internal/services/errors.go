package services

import "errors"

// Sentinel errors translated to HTTP status codes by the handlers
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubscriptionNeeded  = errors.New("subscription required")
	ErrNotConfigured       = errors.New("not configured")
)

// Error is a sentinel with a user-facing message attached
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Message returns the user-facing message carried by err, or fallback
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies credential-flow failures for callers and the UI.
type ErrorKind string

const (
	KindInvalidGrant   ErrorKind = "INVALID_GRANT"
	KindStateMismatch  ErrorKind = "STATE_MISMATCH"
	KindAttemptExpired ErrorKind = "ATTEMPT_EXPIRED"
	KindDenied         ErrorKind = "DENIED"
	KindNetwork        ErrorKind = "NETWORK"
	KindReauthRequired ErrorKind = "REAUTH_REQUIRED"
	KindConfigMissing  ErrorKind = "CONFIG_MISSING"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
)

// AuthError is the typed error every adapter and orchestrator call returns.
// Message is safe to surface to the user as-is.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError builds a typed error with a user-facing message.
func NewAuthError(kind ErrorKind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// WrapAuthError attaches an underlying cause.
func WrapAuthError(kind ErrorKind, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain; empty when err is not an
// AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

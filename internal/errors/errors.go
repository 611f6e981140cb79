package errors

import (
	"errors"
	"fmt"
)

// Session errors.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrTwoFactorRequired      = errors.New("two-factor verification required")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrUserCancelled          = errors.New("cancelled by user")
	ErrLoginInProgress        = errors.New("login already in progress")
)

// Server/transport errors.
var (
	ErrNetwork  = errors.New("network request failed")
	ErrProtocol = errors.New("unexpected API response")
	ErrStorage  = errors.New("storage failure")
)

// OAuth errors. Each wraps the broader kind it belongs to so callers can
// match on either.
var (
	ErrOAuthFailed         = fmt.Errorf("oauth failed: %w", ErrProtocol)
	ErrNotAuthenticated    = fmt.Errorf("not signed in: %w", ErrAuthenticationRequired)
	ErrNoAuthorizationCode = fmt.Errorf("no authorization code in callback: %w", ErrProtocol)
	ErrTokenExchangeFailed = fmt.Errorf("token exchange failed: %w", ErrProtocol)
	ErrTokenRefreshFailed  = fmt.Errorf("token refresh failed: %w", ErrUnauthorized)
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Network wraps a transport failure so it matches both ErrNetwork and
// the underlying cause, and marks it transient.
func Network(op string, err error) error {
	return &TransientError{Err: fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)}
}

// StatusError reports a non-2xx response that has no more specific kind.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Op, e.StatusCode)
	}

	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap lets a StatusError match ErrProtocol, since an unexpected status
// is a form of upstream drift.
func (e *StatusError) Unwrap() error { return ErrProtocol }

// OAuthFailed returns ErrOAuthFailed annotated with a reason.
func OAuthFailed(reason string) error {
	return fmt.Errorf("%w: %s", ErrOAuthFailed, reason)
}

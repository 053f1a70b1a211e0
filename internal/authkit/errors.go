package authkit

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthRequired matches every *AuthRequiredError via errors.Is.
	ErrAuthRequired = errors.New("credentials.auth_required")
	// ErrUserNotFound indicates no user record exists for the id.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrMissingRefreshToken indicates a login produced no refresh token and none was stored.
	ErrMissingRefreshToken = errors.New("credentials.missing_refresh_token")
)

// TokenExchangeError reports that the provider rejected an authorization code.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credentials.exchange: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("credentials.exchange: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// RefreshError reports that the provider rejected a refresh grant.
// Revoked is set when the provider answered invalid_grant; the stored
// refresh token is then useless and gets discarded.
type RefreshError struct {
	Status  int
	Body    string
	Revoked bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credentials.refresh: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("credentials.refresh: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// AuthRequiredError tells the caller the user must complete the OAuth flow again.
type AuthRequiredError struct {
	UserID string
	Reason string
	Err    error
}

func (e *AuthRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials.auth_required: %s: %v", e.Reason, e.Err)
	}
	return "credentials.auth_required: " + e.Reason
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuthRequired) match any AuthRequiredError.
func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

func newTokenExchangeError(err error) *TokenExchangeError {
	exchangeErr := &TokenExchangeError{Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		exchangeErr.Body = string(retrieveErr.Body)
		if retrieveErr.Response != nil {
			exchangeErr.Status = retrieveErr.Response.StatusCode
		}
	}
	return exchangeErr
}

func newRefreshError(err error) *RefreshError {
	refreshErr := &RefreshError{Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		refreshErr.Body = string(retrieveErr.Body)
		if retrieveErr.Response != nil {
			refreshErr.Status = retrieveErr.Response.StatusCode
		}
		refreshErr.Revoked = retrieveErr.ErrorCode == "invalid_grant"
	}
	return refreshErr
}

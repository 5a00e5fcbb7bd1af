package auth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch means the callback state differs from the stored one.
	// Tampering and expiry are deliberately indistinguishable.
	ErrStateMismatch = errors.New("invalid state parameter")
	// ErrMissingVerifier means the PKCE verifier was not found at callback,
	// usually because the pending state expired or was already used.
	ErrMissingVerifier = errors.New("missing PKCE verifier")
	// ErrNoRefreshToken means the session cannot be refreshed.
	ErrNoRefreshToken = errors.New("session has no refresh token")
	// ErrSubjectMismatch means the ID token and userinfo name different users.
	ErrSubjectMismatch = errors.New("id_token subject does not match userinfo")
)

// providerDetail pulls the OAuth2 error and error_description out of err.
func providerDetail(err error) (code, description string) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode, re.ErrorDescription
	}
	return "", ""
}

// ExchangeError is returned when the authorization code could not be
// exchanged for tokens.
type ExchangeError struct {
	Code        string
	Description string
	Err         error
}

func newExchangeError(err error) *ExchangeError {
	code, desc := providerDetail(err)
	return &ExchangeError{Code: code, Description: desc, Err: err}
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %s", detail(e.Code, e.Description, e.Err))
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// UserMessage is the short text shown to the user.
func (e *ExchangeError) UserMessage() string {
	if e.Description != "" {
		return e.Description
	}
	return "Token exchange failed"
}

// UserInfoError is returned when the userinfo endpoint fails.
type UserInfoError struct {
	Err error
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("fetch user info: %v", e.Err)
}

func (e *UserInfoError) Unwrap() error { return e.Err }

func (e *UserInfoError) UserMessage() string { return "Failed to fetch user info" }

// RefreshError is returned when a refresh token is rejected. It ends the
// session; callers must not retry.
type RefreshError struct {
	Code        string
	Description string
	Err         error
}

func newRefreshError(err error) *RefreshError {
	code, desc := providerDetail(err)
	return &RefreshError{Code: code, Description: desc, Err: err}
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %s", detail(e.Code, e.Description, e.Err))
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) UserMessage() string { return "Token refresh failed" }

func detail(code, description string, err error) string {
	switch {
	case code != "" && description != "":
		return code + ": " + description
	case code != "":
		return code
	case err != nil:
		return err.Error()
	}
	return "unknown error"
}

// userMessage returns the text for the ?error= parameter. Errors without a
// UserMessage get a generic string so internals never reach the browser.
func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	switch {
	case errors.Is(err, ErrStateMismatch):
		return "Invalid state parameter"
	case errors.Is(err, ErrMissingVerifier):
		return "Missing PKCE verifier"
	}
	return "Authentication failed"
}
